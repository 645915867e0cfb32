package routes

import "github.com/gofiber/fiber/v2"

func UploadRoutes(app *fiber.App, h Handlers) {
	uploads := app.Group("/api/v1/uploads", h.Auth)
	uploads.Get("/signature", h.Uploads.Signature)
}
