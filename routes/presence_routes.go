package routes

import "github.com/gofiber/fiber/v2"

func PresenceRoutes(app *fiber.App, h Handlers) {
	presence := app.Group("/api/v1/presence", h.Auth)
	presence.Post("/status", h.Presence.Status)
}
