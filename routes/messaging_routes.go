package routes

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

func MessagingRoutes(app *fiber.App, h Handlers) {
	api := app.Group("/api/v1")

	conversations := api.Group("/conversations", h.Auth)
	conversations.Post("", h.Conversations.Create)
	conversations.Get("", h.Conversations.List)
	conversations.Patch("/:id/add", h.Conversations.AddParticipants)
	conversations.Patch("/:id/remove", h.Conversations.RemoveParticipants)
	conversations.Delete("/:id", h.Conversations.Delete)

	messages := api.Group("/messages", h.Auth)
	if h.RateLimit != nil {
		messages.Post("", h.RateLimit, h.Messages.Create)
	} else {
		messages.Post("", h.Messages.Create)
	}
	messages.Get("", h.Messages.List)
	messages.Post("/read", h.Messages.MarkRead)
	messages.Get("/unread/:conversationId", h.Messages.Unread)
	messages.Get("/:id", h.Messages.Get)
	messages.Patch("/:id", h.Messages.Edit)
	messages.Delete("/:id", h.Messages.Delete)

	api.Use("/ws", h.WS.Upgrade)
	api.Get("/ws", websocket.New(h.WS.Serve))
}
