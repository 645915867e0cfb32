package handlers

import (
	"time"

	"github.com/anjiri1684/amora_chat/storage"
	"github.com/anjiri1684/amora_chat/utils"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type UploadHandler struct {
	cld *storage.CloudinaryStore
	log *zap.SugaredLogger
}

// NewUploadHandler accepts a nil store; signatures are then unavailable.
func NewUploadHandler(cld *storage.CloudinaryStore, log *zap.SugaredLogger) *UploadHandler {
	return &UploadHandler{cld: cld, log: log}
}

// Signature creates a signature for a direct attachment upload from the
// client.
func (h *UploadHandler) Signature(c *fiber.Ctx) error {
	if _, err := currentUser(c); err != nil {
		return utils.Fail(c, err)
	}
	if h.cld == nil {
		return utils.Message(c, fiber.StatusServiceUnavailable, "Uploads are not configured")
	}
	sig, err := h.cld.SignUpload(time.Now())
	if err != nil {
		h.log.Errorw("sign upload params", "error", err)
		return utils.Fail(c, err)
	}
	return utils.OK(c, sig)
}
