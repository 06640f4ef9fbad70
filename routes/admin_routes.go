package routes

import (
	"github.com/anjiri1684/sitechat/handlers"
	"github.com/anjiri1684/sitechat/middleware"
	"github.com/gofiber/fiber/v2"
)

func AdminRoutes(app *fiber.App, h *handlers.AdminHandler, secret string) {
	api := app.Group("/api/v1")

	admin := api.Group("/admin", middleware.Protected(secret), middleware.AdminRequired())

	users := admin.Group("/users")
	users.Get("", h.GetAllUsers)
	users.Put("/:userId/status", h.ToggleUserStatus)

	sites := admin.Group("/sites")
	sites.Post("", h.CreateSite)
	sites.Post("/:siteId/members", h.AddSiteMember)
	sites.Delete("/:siteId/members/:userId", h.RemoveSiteMember)
}
