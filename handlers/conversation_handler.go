package handlers

import (
	"context"

	"github.com/anjiri1684/amora_chat/services"
	"github.com/anjiri1684/amora_chat/utils"
	"github.com/gofiber/fiber/v2"
)

type ConversationHandler struct {
	svc *services.ConversationService
}

func NewConversationHandler(svc *services.ConversationService) *ConversationHandler {
	return &ConversationHandler{svc: svc}
}

// Create returns 201 for a new conversation and 200 when an existing
// two-party conversation was found instead.
func (h *ConversationHandler) Create(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return utils.Fail(c, err)
	}
	var in services.CreateConversationInput
	if err := parseBody(c, &in); err != nil {
		return utils.Fail(c, err)
	}
	conv, created, err := h.svc.Create(c.UserContext(), userID, in)
	if err != nil {
		return utils.Fail(c, err)
	}
	if created {
		return utils.Created(c, conv)
	}
	return utils.OK(c, conv)
}

func (h *ConversationHandler) List(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return utils.Fail(c, err)
	}
	convs, err := h.svc.List(c.UserContext(), userID)
	if err != nil {
		return utils.Fail(c, err)
	}
	return utils.OK(c, convs)
}

func (h *ConversationHandler) AddParticipants(c *fiber.Ctx) error {
	return h.changeParticipants(c, h.svc.AddParticipants)
}

func (h *ConversationHandler) RemoveParticipants(c *fiber.Ctx) error {
	return h.changeParticipants(c, h.svc.RemoveParticipants)
}

type participantsFunc func(ctx context.Context, conversationID, actorID string, in services.ParticipantsInput) (*services.ConversationView, error)

func (h *ConversationHandler) changeParticipants(c *fiber.Ctx, apply participantsFunc) error {
	userID, err := currentUser(c)
	if err != nil {
		return utils.Fail(c, err)
	}
	id, err := parseID(c.Params("id"), "id")
	if err != nil {
		return utils.Fail(c, err)
	}
	var in services.ParticipantsInput
	if err := parseBody(c, &in); err != nil {
		return utils.Fail(c, err)
	}
	conv, err := apply(c.UserContext(), id, userID, in)
	if err != nil {
		return utils.Fail(c, err)
	}
	return utils.OK(c, conv)
}

func (h *ConversationHandler) Delete(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return utils.Fail(c, err)
	}
	id, err := parseID(c.Params("id"), "id")
	if err != nil {
		return utils.Fail(c, err)
	}
	if err := h.svc.Delete(c.UserContext(), id, userID); err != nil {
		return utils.Fail(c, err)
	}
	return utils.Message(c, fiber.StatusOK, "Conversation deleted")
}
