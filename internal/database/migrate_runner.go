package database

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"officechat/internal/middleware"
	"officechat/internal/models"

	"gorm.io/gorm"
)

// SchemaMigration records one applied migration.
type SchemaMigration struct {
	Version   int       `gorm:"primaryKey;autoIncrement:false"`
	Name      string    `gorm:"size:255;not null"`
	AppliedAt time.Time `gorm:"autoCreateTime"`
}

func (SchemaMigration) TableName() string {
	return "schema_migrations"
}

const ensureSchemaMigrationsSQL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version BIGINT PRIMARY KEY,
	name VARCHAR(255) NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`

// appliedVersions lists recorded versions in ascending order. A missing
// table means nothing has been applied yet.
func appliedVersions(ctx context.Context, db *gorm.DB) ([]int, error) {
	var versions []int
	err := db.WithContext(ctx).Model(&SchemaMigration{}).Order("version ASC").Pluck("version", &versions).Error
	if err != nil {
		if models.IsSchemaMissingError(err) {
			return []int{}, nil
		}
		return nil, fmt.Errorf("read applied migrations: %w", err)
	}
	return versions, nil
}

func pendingMigrations(all []Migration, applied []int) []Migration {
	done := make(map[int]struct{}, len(applied))
	for _, v := range applied {
		done[v] = struct{}{}
	}
	var pending []Migration
	for _, m := range all {
		if _, ok := done[m.Version]; !ok {
			pending = append(pending, m)
		}
	}
	return pending
}

// unknownVersions fails when the database carries versions this build does
// not ship, which means it was migrated by a newer binary.
func unknownVersions(applied []int, all []Migration) error {
	known := make(map[int]struct{}, len(all))
	for _, m := range all {
		known[m.Version] = struct{}{}
	}

	var unknown []string
	for _, v := range applied {
		if _, ok := known[v]; !ok {
			unknown = append(unknown, fmt.Sprintf("%06d", v))
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return fmt.Errorf("schema_migrations has versions unknown to this build: %s", strings.Join(unknown, ", "))
}

// RunMigrations applies every pending embedded migration, each in its own
// transaction together with its schema_migrations row.
func RunMigrations(ctx context.Context, db *gorm.DB) error {
	if embeddedErr != nil {
		return fmt.Errorf("load embedded migrations: %w", embeddedErr)
	}
	if err := db.WithContext(ctx).Exec(ensureSchemaMigrationsSQL).Error; err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}
	if err := unknownVersions(applied, embedded); err != nil {
		return err
	}

	for _, m := range pendingMigrations(embedded, applied) {
		middleware.Logger.Info("applying migration", slog.String("migration", m.String()))
		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Exec(m.UpScript).Error; err != nil {
				return err
			}
			return tx.Create(&SchemaMigration{Version: m.Version, Name: m.Name}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", m, err)
		}
	}
	return nil
}

// RollbackMigration runs the down script of version, which must be the most
// recently applied migration.
func RollbackMigration(ctx context.Context, db *gorm.DB, version int) error {
	m := GetMigrationByVersion(version)
	if m == nil {
		return fmt.Errorf("migration version %d not found", version)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}
	if len(applied) == 0 || applied[len(applied)-1] != version {
		for _, v := range applied {
			if v == version {
				return fmt.Errorf("migration %06d is not the latest; roll back %06d first", version, applied[len(applied)-1])
			}
		}
		return fmt.Errorf("migration %d has not been applied", version)
	}

	middleware.Logger.Info("rolling back migration", slog.String("migration", m.String()))
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(m.DownScript).Error; err != nil {
			return fmt.Errorf("down script for %s: %w", m, err)
		}
		return tx.Where("version = ?", version).Delete(&SchemaMigration{}).Error
	})
}
