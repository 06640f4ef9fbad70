package routes

import (
	"github.com/anjiri1684/sitechat/handlers"
	"github.com/anjiri1684/sitechat/middleware"
	"github.com/gofiber/fiber/v2"
)

func ProfileRoutes(app *fiber.App, h *handlers.ProfileHandler, secret string) {
	api := app.Group("/api/v1")

	profile := api.Group("/profile", middleware.Protected(secret))
	profile.Get("", h.GetProfile)
	profile.Put("", h.UpdateProfile)
}
