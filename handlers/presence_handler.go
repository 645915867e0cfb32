package handlers

import (
	"errors"
	"fmt"

	"github.com/anjiri1684/amora_chat/presence"
	"github.com/anjiri1684/amora_chat/utils"
	"github.com/gofiber/fiber/v2"
)

type PresenceHandler struct {
	registry *presence.Registry
}

func NewPresenceHandler(r *presence.Registry) *PresenceHandler {
	return &PresenceHandler{registry: r}
}

type statusRequest struct {
	UserIDs []string `json:"userIds"`
}

// Status is the HTTP form of check-users-online.
func (h *PresenceHandler) Status(c *fiber.Ctx) error {
	if _, err := currentUser(c); err != nil {
		return utils.Fail(c, err)
	}
	var req statusRequest
	if err := parseBody(c, &req); err != nil {
		return utils.Fail(c, err)
	}
	if len(req.UserIDs) == 0 {
		return utils.Fail(c, fmt.Errorf("%w: userIds is required", utils.ErrValidation))
	}
	if !validIDs(req.UserIDs) {
		return utils.Fail(c, fmt.Errorf("%w: userIds must be valid ids", utils.ErrValidation))
	}
	st, err := h.registry.StatusMany(c.UserContext(), req.UserIDs)
	if errors.Is(err, presence.ErrTooManyUsers) {
		return utils.Fail(c, fmt.Errorf("%w: %v", utils.ErrValidation, err))
	}
	if err != nil {
		return utils.Fail(c, err)
	}
	return utils.OK(c, st)
}
