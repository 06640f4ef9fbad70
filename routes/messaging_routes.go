package routes

import (
	"github.com/anjiri1684/sitechat/handlers"
	"github.com/anjiri1684/sitechat/middleware"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

func MessagingRoutes(app *fiber.App, h *handlers.MessagingHandler, secret string) {
	api := app.Group("/api/v1")

	conversations := api.Group("/conversations", middleware.Protected(secret))
	conversations.Get("", h.GetUserConversations)
	conversations.Post("", h.CreateOrJoinConversation)
	conversations.Get("/with/:userId", h.FindConversationWithUser)
	conversations.Get("/:conversationId/participants", h.GetParticipants)
	conversations.Post("/:conversationId/participants", h.AddParticipant)
	conversations.Delete("/:conversationId/participants/:userId", h.RemoveParticipant)
	conversations.Patch("/:conversationId/lock/toggle", h.ToggleConversationLock)
	conversations.Put("/:conversationId/lock", h.SetConversationLock)
	conversations.Get("/:conversationId/messages", h.GetConversationMessages)
	conversations.Post("/:conversationId/messages", h.SendMessage)

	api.Get("/users/related", middleware.Protected(secret), h.GetRelatedUsers)

	api.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return c.Next()
	})
	api.Get("/ws", websocket.New(h.ServeWs))
}
