package handlers

import (
	"github.com/anjiri1684/amora_chat/services"
	"github.com/anjiri1684/amora_chat/utils"
	"github.com/gofiber/fiber/v2"
)

type MessageHandler struct {
	svc *services.MessageService
}

func NewMessageHandler(svc *services.MessageService) *MessageHandler {
	return &MessageHandler{svc: svc}
}

type markReadRequest struct {
	ConversationID string `json:"conversationId"`
}

func (h *MessageHandler) Create(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return utils.Fail(c, err)
	}
	var in services.CreateMessageInput
	if err := parseBody(c, &in); err != nil {
		return utils.Fail(c, err)
	}
	msg, err := h.svc.Create(c.UserContext(), userID, in)
	if err != nil {
		return utils.Fail(c, err)
	}
	return utils.Created(c, msg)
}

// List returns one page of a conversation, oldest first, without the
// messages the caller deleted for themselves.
func (h *MessageHandler) List(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return utils.Fail(c, err)
	}
	convID, err := parseID(c.Query("conversationId"), "conversationId")
	if err != nil {
		return utils.Fail(c, err)
	}
	page, limit := utils.Page(c, 50, 100)
	msgs, err := h.svc.List(c.UserContext(), convID, userID, page, limit)
	if err != nil {
		return utils.Fail(c, err)
	}
	return utils.OK(c, msgs)
}

func (h *MessageHandler) Get(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return utils.Fail(c, err)
	}
	id, err := parseID(c.Params("id"), "id")
	if err != nil {
		return utils.Fail(c, err)
	}
	msg, err := h.svc.Get(c.UserContext(), id, userID)
	if err != nil {
		return utils.Fail(c, err)
	}
	return utils.OK(c, msg)
}

func (h *MessageHandler) Edit(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return utils.Fail(c, err)
	}
	id, err := parseID(c.Params("id"), "id")
	if err != nil {
		return utils.Fail(c, err)
	}
	var in services.EditMessageInput
	if err := parseBody(c, &in); err != nil {
		return utils.Fail(c, err)
	}
	msg, err := h.svc.Edit(c.UserContext(), id, userID, in)
	if err != nil {
		return utils.Fail(c, err)
	}
	return utils.OK(c, msg)
}

// Delete hides the message for the caller; once every participant has done
// so it is removed for good.
func (h *MessageHandler) Delete(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return utils.Fail(c, err)
	}
	id, err := parseID(c.Params("id"), "id")
	if err != nil {
		return utils.Fail(c, err)
	}
	res, err := h.svc.DeleteForUser(c.UserContext(), id, userID)
	if err != nil {
		return utils.Fail(c, err)
	}
	return utils.OK(c, res)
}

func (h *MessageHandler) MarkRead(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return utils.Fail(c, err)
	}
	var req markReadRequest
	if err := parseBody(c, &req); err != nil {
		return utils.Fail(c, err)
	}
	convID, err := parseID(req.ConversationID, "conversationId")
	if err != nil {
		return utils.Fail(c, err)
	}
	res, err := h.svc.MarkConversationRead(c.UserContext(), convID, userID)
	if err != nil {
		return utils.Fail(c, err)
	}
	return utils.OK(c, res)
}

func (h *MessageHandler) Unread(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return utils.Fail(c, err)
	}
	convID, err := parseID(c.Params("conversationId"), "conversationId")
	if err != nil {
		return utils.Fail(c, err)
	}
	n, err := h.svc.UnreadCount(c.UserContext(), convID, userID)
	if err != nil {
		return utils.Fail(c, err)
	}
	return utils.OK(c, fiber.Map{"conversationId": convID, "unreadCount": n})
}
