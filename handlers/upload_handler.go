package handlers

import (
	"github.com/anjiri1684/sitechat/apperror"
	"github.com/anjiri1684/sitechat/services"
	"github.com/gofiber/fiber/v2"
)

// UploadSigner signs direct browser uploads.
type UploadSigner interface {
	SignUpload() (*services.UploadSignature, error)
}

type UploadHandler struct {
	signer UploadSigner
}

// NewUploadHandler builds the handler; signer may be nil when uploads are
// not configured.
func NewUploadHandler(signer UploadSigner) *UploadHandler {
	return &UploadHandler{signer: signer}
}

// GenerateUploadSignature creates a secure signature for a frontend upload.
func (h *UploadHandler) GenerateUploadSignature(c *fiber.Ctx) error {
	if h.signer == nil {
		return apperror.Forbidden("attachments_disabled", "attachment uploads are not configured")
	}
	signature, err := h.signer.SignUpload()
	if err != nil {
		return apperror.Internal("signature_failed", "%v", err)
	}
	return c.JSON(signature)
}
