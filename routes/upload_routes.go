package routes

import (
	"github.com/anjiri1684/sitechat/handlers"
	"github.com/anjiri1684/sitechat/middleware"
	"github.com/gofiber/fiber/v2"
)

func UploadRoutes(app *fiber.App, h *handlers.UploadHandler, secret string) {
	api := app.Group("/api/v1")

	api.Post("/uploads/signature", middleware.Protected(secret), h.GenerateUploadSignature)
}
