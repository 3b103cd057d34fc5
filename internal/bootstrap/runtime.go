// Package bootstrap wires the database and Redis for the server binaries.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"officechat/internal/cache"
	"officechat/internal/config"
	"officechat/internal/database"
	"officechat/internal/middleware"
	"officechat/internal/models"
	"officechat/internal/seed"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Options control runtime initialization behavior.
type Options struct {
	// SkipSchema leaves the schema untouched; cmd/migrate manages it itself.
	SkipSchema bool
	// SeedDemoData seeds demo users and chats when the directory is empty.
	SeedDemoData bool
}

// InitRuntime connects to the DB and Redis, applies the schema and optionally
// seeds demo data. The Redis client is nil when Redis is unreachable.
func InitRuntime(ctx context.Context, cfg *config.Config, opts Options) (*gorm.DB, *redis.Client, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}

	if !opts.SkipSchema {
		if err := database.ApplySchema(ctx, db, cfg); err != nil {
			return nil, nil, fmt.Errorf("apply schema: %w", err)
		}
	}

	cache.InitRedis(cfg.RedisURL)
	r := cache.GetClient()

	if opts.SeedDemoData {
		if err := seedIfEmpty(ctx, db); err != nil {
			return nil, nil, fmt.Errorf("failed to seed demo data: %w", err)
		}
	}

	return db, r, nil
}

func seedIfEmpty(ctx context.Context, db *gorm.DB) error {
	var users int64
	if err := db.WithContext(ctx).Model(&models.User{}).Count(&users).Error; err != nil {
		return err
	}
	if users > 0 {
		middleware.Logger.Info("directory not empty, skipping demo seed", slog.Int64("users", users))
		return nil
	}
	_, err := seed.Seed(ctx, db, seed.Options{NumUsers: 10, MessagesPerChat: 8})
	return err
}
