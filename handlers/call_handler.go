package handlers

import (
	"fmt"

	"github.com/anjiri1684/amora_chat/services"
	"github.com/anjiri1684/amora_chat/utils"
	"github.com/gofiber/fiber/v2"
)

type CallHandler struct {
	svc *services.CallService
}

func NewCallHandler(svc *services.CallService) *CallHandler {
	return &CallHandler{svc: svc}
}

func (h *CallHandler) Create(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return utils.Fail(c, err)
	}
	var in services.CreateCallInput
	if err := parseBody(c, &in); err != nil {
		return utils.Fail(c, err)
	}
	call, err := h.svc.Create(c.UserContext(), userID, in)
	if err != nil {
		return utils.Fail(c, err)
	}
	return utils.Created(c, call)
}

// List supports ?role=caller|receiver&status=&callType=&page=&limit=.
func (h *CallHandler) List(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return utils.Fail(c, err)
	}
	var f services.CallFilterInput
	if err := c.QueryParser(&f); err != nil {
		return utils.Fail(c, fmt.Errorf("%w: bad query string", utils.ErrValidation))
	}
	page, limit := utils.Page(c, 20, 100)
	calls, total, err := h.svc.List(c.UserContext(), userID, f, page, limit)
	if err != nil {
		return utils.Fail(c, err)
	}
	return utils.Paged(c, calls, total)
}

func (h *CallHandler) Get(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return utils.Fail(c, err)
	}
	id, err := parseID(c.Params("id"), "id")
	if err != nil {
		return utils.Fail(c, err)
	}
	call, err := h.svc.Get(c.UserContext(), id, userID)
	if err != nil {
		return utils.Fail(c, err)
	}
	return utils.OK(c, call)
}

func (h *CallHandler) UpdateStatus(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return utils.Fail(c, err)
	}
	id, err := parseID(c.Params("id"), "id")
	if err != nil {
		return utils.Fail(c, err)
	}
	var in services.UpdateCallStatusInput
	if err := parseBody(c, &in); err != nil {
		return utils.Fail(c, err)
	}
	call, err := h.svc.UpdateStatus(c.UserContext(), id, userID, in)
	if err != nil {
		return utils.Fail(c, err)
	}
	return utils.OK(c, call)
}

func (h *CallHandler) Delete(c *fiber.Ctx) error {
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
	return utils.Message(c, fiber.StatusOK, "Call deleted")
}
