package database

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/000002_members.up.sql":   {Data: []byte("CREATE TABLE b ();")},
		"migrations/000002_members.down.sql": {Data: []byte("DROP TABLE b;")},
		"migrations/000001_core.up.sql":      {Data: []byte("CREATE TABLE a ();")},
		"migrations/000001_core.down.sql":    {Data: []byte("DROP TABLE a;")},
		"migrations/README.md":               {Data: []byte("ignored")},
	}

	ms, err := loadMigrations(fsys)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, "000001_core", ms[0].String())
	assert.Equal(t, "DROP TABLE b;", ms[1].DownScript)
}

func TestLoadMigrations_Rejects(t *testing.T) {
	tests := []struct {
		name string
		fsys fstest.MapFS
		want string
	}{
		{
			name: "missing down script",
			fsys: fstest.MapFS{"migrations/000001_core.up.sql": {Data: []byte("x")}},
			want: "no down script",
		},
		{
			name: "unnamed",
			fsys: fstest.MapFS{"migrations/000001.up.sql": {Data: []byte("x")}},
			want: "expected NNNNNN_name",
		},
		{
			name: "bad version",
			fsys: fstest.MapFS{"migrations/abc_core.up.sql": {Data: []byte("x")}},
			want: "bad version",
		},
		{
			name: "duplicate version",
			fsys: fstest.MapFS{
				"migrations/000001_a.up.sql":   {Data: []byte("x")},
				"migrations/000001_a.down.sql": {Data: []byte("x")},
				"migrations/1_b.up.sql":        {Data: []byte("x")},
				"migrations/1_b.down.sql":      {Data: []byte("x")},
			},
			want: "share version 1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadMigrations(tt.fsys)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPendingAndUnknownVersions(t *testing.T) {
	all := []Migration{{Version: 1, Name: "a"}, {Version: 2, Name: "b"}, {Version: 3, Name: "c"}}

	pending := pendingMigrations(all, []int{1, 3})
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Version)
	assert.Empty(t, pendingMigrations(all, []int{1, 2, 3}))

	assert.NoError(t, unknownVersions([]int{1, 2}, all))
	err := unknownVersions([]int{1, 7, 4}, all)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "000004, 000007")
}

func TestAppliedVersionsAndRollbackGuards(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	ctx := context.Background()

	applied, err := appliedVersions(ctx, db)
	require.NoError(t, err, "missing table reads as nothing applied")
	assert.Empty(t, applied)

	err = RollbackMigration(ctx, db, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has not been applied")

	require.NoError(t, db.AutoMigrate(&SchemaMigration{}))
	require.NoError(t, db.Create(&SchemaMigration{Version: 2, Name: "direct_chat_pairs"}).Error)
	require.NoError(t, db.Create(&SchemaMigration{Version: 1, Name: "chat_core"}).Error)

	applied, err = appliedVersions(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, applied)

	err = RollbackMigration(ctx, db, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "roll back 000002 first")

	err = RollbackMigration(ctx, db, 999)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
