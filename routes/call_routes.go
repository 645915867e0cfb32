package routes

import "github.com/gofiber/fiber/v2"

func CallRoutes(app *fiber.App, h Handlers) {
	calls := app.Group("/api/v1/calls", h.Auth)
	calls.Post("", h.Calls.Create)
	calls.Get("", h.Calls.List)
	calls.Get("/:id", h.Calls.Get)
	calls.Patch("/:id/status", h.Calls.UpdateStatus)
	calls.Delete("/:id", h.Calls.Delete)
}
