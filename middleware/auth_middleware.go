package middleware

import (
	"errors"
	"fmt"
	"time"

	"github.com/anjiri1684/amora_chat/utils"
	"github.com/gofiber/fiber/v2"
	jwtware "github.com/gofiber/jwt/v3"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

const userLocal = "user"

var ErrInvalidToken = errors.New("invalid or expired token")

// Protected rejects requests without a valid HS256 bearer token. The parsed
// token is left in c.Locals("user").
func Protected(secret string) fiber.Handler {
	return jwtware.New(jwtware.Config{
		SigningKey:    []byte(secret),
		SigningMethod: "HS256",
		ContextKey:    userLocal,
		ErrorHandler:  jwtError,
	})
}

func jwtError(c *fiber.Ctx, err error) error {
	if err.Error() == "Missing or malformed JWT" {
		return utils.Message(c, fiber.StatusBadRequest, "Missing or malformed JWT")
	}
	return utils.Message(c, fiber.StatusUnauthorized, "Invalid or expired JWT")
}

// CurrentUserID returns the authenticated user's id from the token that
// Protected stored on the context.
func CurrentUserID(c *fiber.Ctx) (string, error) {
	token, ok := c.Locals(userLocal).(*jwt.Token)
	if !ok || token == nil {
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	return userIDFrom(claims)
}

// ParseToken validates a raw token string outside of the HTTP middleware,
// e.g. for the websocket handshake, and returns its user id.
func ParseToken(secret, raw string) (string, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	return userIDFrom(claims)
}

func userIDFrom(claims jwt.MapClaims) (string, error) {
	raw, ok := claims["user_id"].(string)
	if !ok {
		return "", ErrInvalidToken
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", ErrInvalidToken
	}
	return id.String(), nil
}

// SignToken issues a token for userID. Tokens are normally minted by the
// account service; this is used by tooling and tests.
func SignToken(secret, userID string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
