package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"officechat/internal/cache"
	"officechat/internal/config"
	"officechat/internal/middleware"
	"officechat/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var errTokenRevoked = errors.New("token has been revoked")

// IssueToken signs an HS256 access token for userID the way the office app
// does. The chat service only verifies tokens; this is used by tooling and tests.
func IssueToken(cfg *config.Config, userID uint, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": strconv.FormatUint(uint64(userID), 10),
		"iss": cfg.JWTIssuer,
		"aud": cfg.JWTAudience,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
		"jti": uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.JWTSecret))
}

// AuthRequired returns the authentication middleware. WebSocket paths accept
// a single-use ?ticket=; everything else needs a bearer token.
func (s *Server) AuthRequired() fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Tickets are single use, so only WebSocket paths may consume one.
		if ticket := c.Query("ticket"); ticket != "" && strings.HasPrefix(c.Path(), "/ws") {
			userID, ok := s.consumeWSTicket(c.UserContext(), ticket)
			if !ok {
				return models.RespondWithError(c, fiber.StatusUnauthorized,
					models.NewUnauthorizedError("Invalid or expired WebSocket ticket"))
			}
			return s.authenticated(c, userID)
		}

		tokenString := bearerToken(c.Get(fiber.HeaderAuthorization))
		if tokenString == "" {
			return models.RespondWithError(c, fiber.StatusUnauthorized,
				models.NewUnauthorizedError("Authorization required"))
		}

		userID, err := s.verifyToken(c.UserContext(), tokenString)
		if err != nil {
			msg := "Invalid or expired token"
			if errors.Is(err, errTokenRevoked) {
				msg = "Token has been revoked"
			}
			return models.RespondWithError(c, fiber.StatusUnauthorized, models.NewUnauthorizedError(msg))
		}
		return s.authenticated(c, userID)
	}
}

func (s *Server) authenticated(c *fiber.Ctx, userID uint) error {
	c.Locals("userID", userID)
	c.SetUserContext(middleware.WithUserID(c.UserContext(), userID))
	return c.Next()
}

func bearerToken(header string) string {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// verifyToken validates signature, expiry, issuer and audience, then checks
// the revocation list.
func (s *Server) verifyToken(ctx context.Context, tokenString string) (uint, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return []byte(s.config.JWTSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.config.JWTIssuer),
		jwt.WithAudience(s.config.JWTAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return 0, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, errors.New("unexpected claims type")
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return 0, err
	}
	userID, err := strconv.ParseUint(sub, 10, 32)
	if err != nil || userID == 0 {
		return 0, fmt.Errorf("invalid subject %q", sub)
	}

	if jti, _ := claims["jti"].(string); jti != "" && s.redis != nil {
		revoked, err := s.redis.Exists(ctx, cache.BlacklistKey(jti)).Result()
		if err != nil {
			// Fail open: Redis trouble must not log everyone out.
			middleware.RedisErrors.WithLabelValues("blacklist").Inc()
		} else if revoked > 0 {
			return 0, errTokenRevoked
		}
	}
	return uint(userID), nil
}

// IssueWSTicket handles POST /api/ws-ticket
// @Summary Issue a WebSocket ticket
// @Description Returns a single-use ticket valid for 60 seconds, passed as ?ticket= on /ws/chat.
// @Tags realtime
// @Produce json
// @Security BearerAuth
// @Success 200 {object} WSTicketResponse
// @Failure 401 {object} models.ErrorResponse
// @Failure 503 {object} models.ErrorResponse
// @Router /ws-ticket [post]
func (s *Server) IssueWSTicket(c *fiber.Ctx) error {
	userID := currentUserID(c)
	if s.redis == nil {
		return models.RespondWithError(c, fiber.StatusServiceUnavailable,
			models.NewValidationError("WebSocket tickets are unavailable"))
	}

	ticket := uuid.NewString()
	if err := s.redis.Set(c.UserContext(), cache.WSTicketKey(ticket), userID, cache.WSTicketTTL).Err(); err != nil {
		middleware.RedisErrors.WithLabelValues("ws_ticket").Inc()
		middleware.Logger.ErrorContext(c.UserContext(), "failed to store ws ticket", slog.String("error", err.Error()))
		return models.RespondWithError(c, fiber.StatusServiceUnavailable,
			models.NewValidationError("WebSocket tickets are unavailable"))
	}

	return c.JSON(WSTicketResponse{Ticket: ticket, ExpiresIn: int(cache.WSTicketTTL.Seconds())})
}

// WSTicketResponse is the body of POST /api/ws-ticket.
type WSTicketResponse struct {
	Ticket    string `json:"ticket"`
	ExpiresIn int    `json:"expires_in"`
}

// consumeWSTicket atomically reads and deletes the ticket.
func (s *Server) consumeWSTicket(ctx context.Context, ticket string) (uint, bool) {
	if s.redis == nil || ticket == "" {
		return 0, false
	}
	raw, err := s.redis.GetDel(ctx, cache.WSTicketKey(ticket)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			middleware.RedisErrors.WithLabelValues("ws_ticket").Inc()
		}
		return 0, false
	}
	userID, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || userID == 0 {
		return 0, false
	}
	return uint(userID), true
}
