package handlers

import (
	"fmt"

	"github.com/anjiri1684/amora_chat/middleware"
	"github.com/anjiri1684/amora_chat/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

func currentUser(c *fiber.Ctx) (string, error) {
	id, err := middleware.CurrentUserID(c)
	if err != nil {
		return "", fiber.NewError(fiber.StatusUnauthorized, "Invalid or expired JWT")
	}
	return id, nil
}

// parseID validates an identifier taken from the path or query string.
func parseID(raw, name string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: %s is required", utils.ErrValidation, name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %s is not a valid id", utils.ErrValidation, name)
	}
	return id.String(), nil
}

func parseBody(c *fiber.Ctx, out any) error {
	if err := c.BodyParser(out); err != nil {
		return fmt.Errorf("%w: cannot parse JSON", utils.ErrValidation)
	}
	return nil
}

func validIDs(ids []string) bool {
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			return false
		}
	}
	return true
}
