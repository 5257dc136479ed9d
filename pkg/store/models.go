package store

import (
	"time"

	"logogen/pkg/domain"
)

// GenerationModel is the GORM persistence model for generations.
type GenerationModel struct {
	ID           string `gorm:"primaryKey"`
	Prompt       string `gorm:"type:text;not null"`
	Style        string `gorm:"not null"`
	Status       string `gorm:"not null;index"`
	ImageURL     *string
	ErrorMessage *string
	Version      int64     `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null;index"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (GenerationModel) TableName() string { return "generations" }

func generationToModel(g domain.Generation) GenerationModel {
	m := GenerationModel{
		ID:        g.ID,
		Prompt:    g.Prompt,
		Style:     string(g.Style),
		Status:    string(g.Status),
		Version:   g.Version,
		CreatedAt: g.CreatedAt,
		UpdatedAt: g.UpdatedAt,
	}
	if g.ImageURL != "" {
		m.ImageURL = &g.ImageURL
	}
	if g.Error != "" {
		m.ErrorMessage = &g.Error
	}
	return m
}

func generationFromModel(m GenerationModel) domain.Generation {
	g := domain.Generation{
		ID:        m.ID,
		Prompt:    m.Prompt,
		Style:     domain.Style(m.Style),
		Status:    domain.Status(m.Status),
		Version:   m.Version,
		CreatedAt: m.CreatedAt.UTC(),
		UpdatedAt: m.UpdatedAt.UTC(),
	}
	if m.ImageURL != nil {
		g.ImageURL = *m.ImageURL
	}
	if m.ErrorMessage != nil {
		g.Error = *m.ErrorMessage
	}
	return g
}
