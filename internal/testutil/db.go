// Package testutil provides shared fixtures for package tests.
package testutil

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"officechat/internal/database"
	"officechat/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// BaseTime is a fixed instant tests offset from, so join-time comparisons are exact.
var BaseTime = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

// At returns BaseTime plus n seconds.
func At(n int) time.Time {
	return BaseTime.Add(time.Duration(n) * time.Second)
}

// NewSQLiteDB returns a migrated in-memory database. The pool is pinned to
// one connection because every :memory: connection is a separate database.
func NewSQLiteDB(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(database.PersistentModels()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// CreateUsers inserts one directory user per name and returns them in order.
func CreateUsers(t testing.TB, db *gorm.DB, names ...string) []models.User {
	t.Helper()
	users := make([]models.User, 0, len(names))
	for _, name := range names {
		u := models.User{
			Name:     name,
			Email:    fmt.Sprintf("%s@office.test", strings.ToLower(name)),
			Password: "x",
			Avatar:   "https://avatars.test/" + strings.ToLower(name) + ".png",
		}
		if err := db.Create(&u).Error; err != nil {
			t.Fatalf("create user %s: %v", name, err)
		}
		users = append(users, u)
	}
	return users
}

// Clock is a settable time source for services under test.
type Clock struct {
	now time.Time
}

// NewClock returns a Clock starting at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	return c.now
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.now = t
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}
