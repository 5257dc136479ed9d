package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"logogen/pkg/domain"
)

const migrateLockID int64 = 50124937

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&GenerationModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Create inserts a new generation row.
func (s *GormStore) Create(ctx context.Context, gen domain.Generation) (domain.Generation, error) {
	gen = prepareCreate(gen)
	model := generationToModel(gen)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Generation{}, fmt.Errorf("insert generation: %w", err)
	}
	return gen, nil
}

// Get returns a generation by ID.
func (s *GormStore) Get(ctx context.Context, id string) (domain.Generation, bool, error) {
	var model GenerationModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Generation{}, false, nil
		}
		return domain.Generation{}, false, err
	}
	return generationFromModel(model), true, nil
}

// Update locks the row, checks the precondition and writes the merged record.
func (s *GormStore) Update(ctx context.Context, id string, patch Patch) (domain.Generation, error) {
	var out domain.Generation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model GenerationModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrNotFound
			}
			return err
		}
		current := generationFromModel(model)
		if patch.IfStatus != nil && current.Status != *patch.IfStatus {
			return domain.ErrConflict
		}
		next := apply(current, patch, time.Now().UTC())
		updated := generationToModel(next)
		if err := tx.Model(&GenerationModel{}).Where("id = ?", id).Updates(map[string]any{
			"status":        updated.Status,
			"image_url":     updated.ImageURL,
			"error_message": updated.ErrorMessage,
			"version":       updated.Version,
			"updated_at":    updated.UpdatedAt,
		}).Error; err != nil {
			return fmt.Errorf("update generation: %w", err)
		}
		out = next
		return nil
	})
	if err != nil {
		return domain.Generation{}, err
	}
	return out, nil
}

// Delete removes a generation row.
func (s *GormStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&GenerationModel{}, "id = ?", id).Error
}

// ListRecent returns generations newest first.
func (s *GormStore) ListRecent(ctx context.Context, limit int) ([]domain.Generation, error) {
	var models []GenerationModel
	if err := s.db.WithContext(ctx).Order("created_at desc").Limit(clampLimit(limit)).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Generation, 0, len(models))
	for _, m := range models {
		out = append(out, generationFromModel(m))
	}
	return out, nil
}

// ListProcessing returns generations still processing, oldest first.
func (s *GormStore) ListProcessing(ctx context.Context) ([]domain.Generation, error) {
	var models []GenerationModel
	err := s.db.WithContext(ctx).
		Where("status = ?", string(domain.StatusProcessing)).
		Order("created_at asc").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.Generation, 0, len(models))
	for _, m := range models {
		out = append(out, generationFromModel(m))
	}
	return out, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
