package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"officechat/internal/cache"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateToken(t *testing.T, method jwt.SigningMethod, userID uint, issuer, audience, jti string, exp time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": strconv.FormatUint(uint64(userID), 10),
		"iss": issuer,
		"aud": audience,
		"exp": time.Now().Add(exp).Unix(),
		"jti": jti,
	}
	str, err := jwt.NewWithClaims(method, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return str
}

func protectedApp(s *Server) *fiber.App {
	app := fiber.New()
	handler := func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"userID": currentUserID(c)})
	}
	app.Get("/protected", s.AuthRequired(), handler)
	app.Get("/ws/test", s.AuthRequired(), handler)
	return app
}

func TestServer_AuthRequired(t *testing.T) {
	s := &Server{config: testConfig()}
	app := protectedApp(s)

	tests := []struct {
		name           string
		authHeader     string
		expectedStatus int
	}{
		{
			name:           "Valid Token",
			authHeader:     "Bearer " + generateToken(t, jwt.SigningMethodHS256, 123, "office-api", "office-client", "jti-1", time.Hour),
			expectedStatus: http.StatusOK,
		},
		{
			name:           "Lowercase scheme",
			authHeader:     "bearer " + generateToken(t, jwt.SigningMethodHS256, 123, "office-api", "office-client", "jti-1", time.Hour),
			expectedStatus: http.StatusOK,
		},
		{
			name:           "Missing Header",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Not a bearer token",
			authHeader:     "Basic dXNlcjpwYXNz",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Wrong Issuer",
			authHeader:     "Bearer " + generateToken(t, jwt.SigningMethodHS256, 123, "someone-else", "office-client", "jti-1", time.Hour),
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Wrong Audience",
			authHeader:     "Bearer " + generateToken(t, jwt.SigningMethodHS256, 123, "office-api", "other-client", "jti-1", time.Hour),
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Expired",
			authHeader:     "Bearer " + generateToken(t, jwt.SigningMethodHS256, 123, "office-api", "office-client", "jti-1", -time.Minute),
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Unexpected signing method",
			authHeader:     "Bearer " + generateToken(t, jwt.SigningMethodHS384, 123, "office-api", "office-client", "jti-1", time.Hour),
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Zero subject",
			authHeader:     "Bearer " + generateToken(t, jwt.SigningMethodHS256, 0, "office-api", "office-client", "jti-1", time.Hour),
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Garbage",
			authHeader:     "Bearer not-a-jwt",
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedStatus, resp.StatusCode)

			if tt.expectedStatus == http.StatusOK {
				var body map[string]any
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
				assert.EqualValues(t, 123, body["userID"])
			}
		})
	}
}

func TestAuthRequired_RevokedToken(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	s := &Server{config: testConfig(), redis: rdb}
	app := protectedApp(s)

	require.NoError(t, mr.Set(cache.BlacklistKey("revoked-jti"), "1"))

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+generateToken(t, jwt.SigningMethodHS256, 7, "office-api", "office-client", "revoked-jti", time.Hour))
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Token has been revoked", body["error"])
	assert.Equal(t, "UNAUTHORIZED", body["code"])

	req = httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+generateToken(t, jwt.SigningMethodHS256, 7, "office-api", "office-client", "fresh-jti", time.Hour))
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthRequired_WSTicket(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	s := &Server{config: testConfig(), redis: rdb}
	app := protectedApp(s)
	ctx := context.Background()

	t.Run("ticket is single use", func(t *testing.T) {
		key := cache.WSTicketKey("ticket-1")
		require.NoError(t, rdb.Set(ctx, key, "42", time.Minute).Err())

		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/ws/test?ticket=ticket-1", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.EqualValues(t, 42, body["userID"])

		exists, err := rdb.Exists(ctx, key).Result()
		require.NoError(t, err)
		assert.Zero(t, exists)

		resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/ws/test?ticket=ticket-1", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("expired ticket", func(t *testing.T) {
		require.NoError(t, rdb.Set(ctx, cache.WSTicketKey("ticket-2"), "42", time.Minute).Err())
		mr.FastForward(2 * time.Minute)

		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/ws/test?ticket=ticket-2", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("ticket outside ws is ignored and not consumed", func(t *testing.T) {
		key := cache.WSTicketKey("ticket-3")
		require.NoError(t, rdb.Set(ctx, key, "42", time.Minute).Err())

		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/protected?ticket=ticket-3", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "REST routes need a bearer token")

		exists, err := rdb.Exists(ctx, key).Result()
		require.NoError(t, err)
		assert.EqualValues(t, 1, exists)

		resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/ws/test?ticket=ticket-3", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("bad ticket outside ws falls back to bearer", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/protected?ticket=nope", nil)
		req.Header.Set("Authorization", "Bearer "+generateToken(t, jwt.SigningMethodHS256, 9, "office-api", "office-client", "jti-9", time.Hour))
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestIssueWSTicket(t *testing.T) {
	ts := newTestServer(t)

	var body WSTicketResponse
	status := ts.do(t, 1, http.MethodPost, "/api/ws-ticket", nil, &body)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body.Ticket)
	assert.Equal(t, 60, body.ExpiresIn)

	stored, err := ts.mr.Get(cache.WSTicketKey(body.Ticket))
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatUint(uint64(ts.users[1].ID), 10), stored)
	assert.Equal(t, 60*time.Second, ts.mr.TTL(cache.WSTicketKey(body.Ticket)))

	// The ticket authenticates the websocket route once.
	req := httptest.NewRequest(http.MethodGet, "/ws/chat?ticket="+body.Ticket, nil)
	resp, err := ts.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
	assert.False(t, ts.mr.Exists(cache.WSTicketKey(body.Ticket)))
}

func TestIssueWSTicket_NoRedis(t *testing.T) {
	s := &Server{config: testConfig()}
	app := fiber.New()
	app.Post("/ws-ticket", func(c *fiber.Ctx) error {
		c.Locals("userID", uint(3))
		return c.Next()
	}, s.IssueWSTicket)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/ws-ticket", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestIssueToken(t *testing.T) {
	cfg := testConfig()
	tok, err := IssueToken(cfg, 5, time.Hour)
	require.NoError(t, err)

	s := &Server{config: cfg}
	userID, err := s.verifyToken(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, uint(5), userID)
}
