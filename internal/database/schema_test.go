package database

import (
	"testing"

	"officechat/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaPolicy(t *testing.T) {
	tests := []struct {
		name        string
		cfg         config.Config
		wantSQL     bool
		wantAuto    bool
		expectError bool
	}{
		{"hybrid in development", config.Config{Env: "development"}, true, true, false},
		{"hybrid in production", config.Config{Env: "production"}, true, false, false},
		{"sql only", config.Config{Env: "development", DBSchemaMode: "sql"}, true, false, false},
		{"auto in production refused", config.Config{Env: "production", DBSchemaMode: "auto"}, false, false, true},
		{"auto in production allowed", config.Config{Env: "production", DBSchemaMode: "auto", DBAutoMigrateAllowDestructive: true}, false, true, false},
		{"sqlite forces auto", config.Config{Env: "test", DBDriver: "sqlite", DBSchemaMode: "sql"}, false, true, false},
		{"unknown mode", config.Config{Env: "development", DBSchemaMode: "yolo"}, false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runSQL, runAuto, err := schemaPolicy(&tt.cfg)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, runSQL)
			assert.Equal(t, tt.wantAuto, runAuto)
		})
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	ms := GetMigrations()
	require.NotEmpty(t, ms)
	for i, m := range ms {
		assert.NotEmpty(t, m.UpScript, m.String())
		assert.NotEmpty(t, m.DownScript, m.String())
		if i > 0 {
			assert.Greater(t, m.Version, ms[i-1].Version)
		}
	}
	assert.Equal(t, "000001_chat_core", ms[0].String())
	assert.NotNil(t, GetMigrationByVersion(1))
	assert.Nil(t, GetMigrationByVersion(999))
}
