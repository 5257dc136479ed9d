package store

import (
	"context"
	"strings"
	"time"

	"logogen/pkg/domain"
)

// Store defines persistence operations for generation records.
// It is schema-agnostic: lifecycle rules are enforced by callers through Patch.IfStatus.
type Store interface {
	// Create inserts a new record, assigning its ID and Version 1.
	Create(ctx context.Context, gen domain.Generation) (domain.Generation, error)
	Get(ctx context.Context, id string) (domain.Generation, bool, error)
	// Update merges patch into the record, rewrites UpdatedAt and bumps Version.
	// It returns domain.ErrNotFound for unknown ids and domain.ErrConflict when
	// IfStatus is set and does not match the stored status.
	Update(ctx context.Context, id string, patch Patch) (domain.Generation, error)
	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, id string) error
	// ListRecent returns records newest first.
	ListRecent(ctx context.Context, limit int) ([]domain.Generation, error)
	Close() error
}

// PendingLister is implemented by durable stores that can enumerate records
// still processing, oldest first.
type PendingLister interface {
	ListProcessing(ctx context.Context) ([]domain.Generation, error)
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Status   *domain.Status
	ImageURL *string
	Error    *string
	// IfStatus makes the update conditional on the current status.
	IfStatus *domain.Status
}

const (
	defaultListLimit = 25
	maxListLimit     = 100
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// prepareCreate fills store-assigned fields on a new record.
func prepareCreate(gen domain.Generation) domain.Generation {
	now := time.Now().UTC()
	if strings.TrimSpace(gen.ID) == "" {
		gen.ID = newID()
	}
	if gen.Status == "" {
		gen.Status = domain.StatusProcessing
	}
	if gen.CreatedAt.IsZero() {
		gen.CreatedAt = now
	}
	gen.UpdatedAt = gen.CreatedAt
	gen.Version = 1
	return gen
}

// apply merges patch into gen in memory.
func apply(gen domain.Generation, patch Patch, now time.Time) domain.Generation {
	if patch.Status != nil {
		gen.Status = *patch.Status
	}
	if patch.ImageURL != nil {
		gen.ImageURL = *patch.ImageURL
	}
	if patch.Error != nil {
		gen.Error = *patch.Error
	}
	gen.UpdatedAt = now
	gen.Version++
	return gen
}

// StatusPtr is a helper for building patches.
func StatusPtr(s domain.Status) *domain.Status { return &s }

// StringPtr is a helper for building patches.
func StringPtr(s string) *string { return &s }
