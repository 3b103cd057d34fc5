package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"officechat/internal/config"
	"officechat/internal/models"
	"officechat/internal/testutil"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const testSecret = "test-secret-key-12345678901234567890123456789012"

func testConfig() *config.Config {
	return &config.Config{
		Env:         "test",
		JWTSecret:   testSecret,
		JWTIssuer:   "office-api",
		JWTAudience: "office-client",
	}
}

type testServer struct {
	srv   *Server
	app   *fiber.App
	mr    *miniredis.Miniredis
	rdb   *redis.Client
	users []models.User
}

// newTestServer builds the full app over in-memory sqlite and miniredis.
func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	db := testutil.NewSQLiteDB(t)
	users := testutil.CreateUsers(t, db, "Ann", "Ben", "Cat")

	srv, err := NewServerWithDeps(testConfig(), db, rdb, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.chatHub.Shutdown(context.Background()) })

	return &testServer{srv: srv, app: srv.App(), mr: mr, rdb: rdb, users: users}
}

// setupMockDB creates a GORM *gorm.DB backed by sqlmock for unit tests.
func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)
	return gormDB, mock
}

func (ts *testServer) token(t *testing.T, i int) string {
	t.Helper()
	tok, err := IssueToken(ts.srv.config, ts.users[i].ID, time.Hour)
	require.NoError(t, err)
	return tok
}

// do sends a request as user i (no auth when i < 0) and decodes the JSON
// response into out when out is non-nil.
func (ts *testServer) do(t *testing.T, i int, method, path string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if i >= 0 {
		req.Header.Set("Authorization", "Bearer "+ts.token(t, i))
	}
	resp, err := ts.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestLivenessCheck(t *testing.T) {
	ts := newTestServer(t)
	var body map[string]any
	status := ts.do(t, -1, http.MethodGet, "/health/live", nil, &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "up", body["status"])
}

func TestReadinessCheck(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		ts := newTestServer(t)
		var body struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks"`
		}
		status := ts.do(t, -1, http.MethodGet, "/health/ready", nil, &body)
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "healthy", body.Status)
		assert.Equal(t, "healthy", body.Checks["redis"])
	})

	t.Run("redis down", func(t *testing.T) {
		ts := newTestServer(t)
		ts.mr.Close()
		status := ts.do(t, -1, http.MethodGet, "/health/ready", nil, nil)
		assert.Equal(t, http.StatusServiceUnavailable, status)
	})

	t.Run("database down", func(t *testing.T) {
		db, mock := setupMockDB(t)
		mock.ExpectPing().WillReturnError(assert.AnError)

		s := &Server{config: testConfig(), db: db}
		app := fiber.New()
		app.Get("/health/ready", s.ReadinessCheck)

		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health/ready", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

		var body struct {
			Checks map[string]string `json:"checks"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "unhealthy", body.Checks["database"])
		assert.Equal(t, "disabled", body.Checks["redis"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestWebSocketRouteRequiresUpgrade(t *testing.T) {
	ts := newTestServer(t)
	status := ts.do(t, 0, http.MethodGet, "/ws/chat", nil, nil)
	assert.Equal(t, http.StatusUpgradeRequired, status)
}

func TestWebSocketRouteRequiresAuth(t *testing.T) {
	ts := newTestServer(t)
	status := ts.do(t, -1, http.MethodGet, "/ws/chat?ticket=missing", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func decodeJSON(r io.Reader, out any) error {
	return json.NewDecoder(r).Decode(out)
}
