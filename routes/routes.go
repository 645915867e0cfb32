package routes

import (
	"github.com/anjiri1684/amora_chat/handlers"
	"github.com/gofiber/fiber/v2"
)

// Handlers bundles everything the route tables mount.
type Handlers struct {
	Conversations *handlers.ConversationHandler
	Messages      *handlers.MessageHandler
	Calls         *handlers.CallHandler
	Presence      *handlers.PresenceHandler
	Uploads       *handlers.UploadHandler
	WS            *handlers.WSHandler

	Auth      fiber.Handler
	RateLimit fiber.Handler
}

func Setup(app *fiber.App, h Handlers) {
	PublicRoutes(app)
	MessagingRoutes(app, h)
	CallRoutes(app, h)
	PresenceRoutes(app, h)
	UploadRoutes(app, h)
}
