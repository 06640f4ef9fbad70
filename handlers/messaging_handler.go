package handlers

import (
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/anjiri1684/sitechat/apperror"
	"github.com/anjiri1684/sitechat/middleware"
	"github.com/anjiri1684/sitechat/services"
	"github.com/anjiri1684/sitechat/websocket"
	websocketcontrib "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type MessagingHandler struct {
	chat   *services.ChatService
	hub    *websocket.Hub
	secret string
}

func NewMessagingHandler(chat *services.ChatService, hub *websocket.Hub, secret string) *MessagingHandler {
	return &MessagingHandler{chat: chat, hub: hub, secret: secret}
}

func page(c *fiber.Ctx, defaultSize int) services.Page {
	p, _ := strconv.Atoi(c.Query("page", "1"))
	size, _ := strconv.Atoi(c.Query("page_size", strconv.Itoa(defaultSize)))
	return services.Page{Page: p, PageSize: size}
}

func (h *MessagingHandler) CreateOrJoinConversation(c *fiber.Ctx) error {
	requester, err := middleware.CurrentUser(c)
	if err != nil {
		return err
	}
	var req services.CreateConversationRequest
	if err := c.BodyParser(&req); err != nil {
		return apperror.InvalidInput("invalid_body", "Cannot parse JSON")
	}

	result, err := h.chat.CreateOrJoinConversation(c.UserContext(), requester, req)
	if err != nil {
		return err
	}

	status := fiber.StatusOK
	if result.Created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{
		"conversation": result.Conversation,
		"created":      result.Created,
		"message":      result.InitialMessage,
	})
}

func (h *MessagingHandler) GetUserConversations(c *fiber.Ctx) error {
	requester, err := middleware.CurrentUser(c)
	if err != nil {
		return err
	}
	conversations, err := h.chat.ListConversations(c.UserContext(), requester, c.Query("site_id"), page(c, 20))
	if err != nil {
		return err
	}
	return c.JSON(conversations)
}

func (h *MessagingHandler) FindConversationWithUser(c *fiber.Ctx) error {
	requester, err := middleware.CurrentUser(c)
	if err != nil {
		return err
	}
	conversation, err := h.chat.FindConversationWithUser(c.UserContext(), requester, c.Query("site_id"), c.Params("userId"))
	if err != nil {
		return err
	}
	return c.JSON(conversation)
}

func (h *MessagingHandler) GetParticipants(c *fiber.Ctx) error {
	requester, err := middleware.CurrentUser(c)
	if err != nil {
		return err
	}
	participants, err := h.chat.ListParticipants(c.UserContext(), requester, c.Params("conversationId"))
	if err != nil {
		return err
	}
	return c.JSON(participants)
}

func (h *MessagingHandler) AddParticipant(c *fiber.Ctx) error {
	requester, err := middleware.CurrentUser(c)
	if err != nil {
		return err
	}
	var req services.AddParticipantRequest
	if err := c.BodyParser(&req); err != nil {
		return apperror.InvalidInput("invalid_body", "Cannot parse JSON")
	}
	req.ConversationID = c.Params("conversationId")

	participant, err := h.chat.AddParticipant(c.UserContext(), requester, req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(participant)
}

func (h *MessagingHandler) RemoveParticipant(c *fiber.Ctx) error {
	requester, err := middleware.CurrentUser(c)
	if err != nil {
		return err
	}
	if err := h.chat.RemoveParticipant(c.UserContext(), requester, c.Params("conversationId"), c.Params("userId")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *MessagingHandler) ToggleConversationLock(c *fiber.Ctx) error {
	requester, err := middleware.CurrentUser(c)
	if err != nil {
		return err
	}
	conversation, err := h.chat.ToggleConversationLock(c.UserContext(), requester, c.Params("conversationId"))
	if err != nil {
		return err
	}
	return c.JSON(conversation)
}

func (h *MessagingHandler) SetConversationLock(c *fiber.Ctx) error {
	requester, err := middleware.CurrentUser(c)
	if err != nil {
		return err
	}
	var req struct {
		Locked *bool `json:"locked" validate:"required"`
	}
	if err := c.BodyParser(&req); err != nil {
		return apperror.InvalidInput("invalid_body", "Cannot parse JSON")
	}
	if err := validate.Struct(req); err != nil {
		return apperror.InvalidInput("invalid_request", "locked is required")
	}

	conversation, err := h.chat.SetConversationLock(c.UserContext(), requester, c.Params("conversationId"), *req.Locked)
	if err != nil {
		return err
	}
	return c.JSON(conversation)
}

func (h *MessagingHandler) GetConversationMessages(c *fiber.Ctx) error {
	requester, err := middleware.CurrentUser(c)
	if err != nil {
		return err
	}
	messages, err := h.chat.ListMessages(c.UserContext(), requester, c.Params("conversationId"), page(c, 50))
	if err != nil {
		return err
	}
	return c.JSON(messages)
}

// SendMessage accepts JSON {text} or a multipart form with a text field and
// attachments files.
func (h *MessagingHandler) SendMessage(c *fiber.Ctx) error {
	requester, err := middleware.CurrentUser(c)
	if err != nil {
		return err
	}

	req := services.SendMessageRequest{ConversationID: c.Params("conversationId")}
	var uploads []services.Upload
	if strings.HasPrefix(string(c.Request().Header.ContentType()), fiber.MIMEMultipartForm) {
		form, err := c.MultipartForm()
		if err != nil {
			return apperror.InvalidInput("invalid_body", "Cannot parse multipart form")
		}
		if texts := form.Value["text"]; len(texts) > 0 {
			req.Text = texts[0]
		}
		for _, fh := range form.File["attachments"] {
			f, err := fh.Open()
			if err != nil {
				return apperror.InvalidInput("invalid_attachment", "Cannot read attachment %s", fh.Filename)
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return apperror.InvalidInput("invalid_attachment", "Cannot read attachment %s", fh.Filename)
			}
			uploads = append(uploads, services.Upload{Filename: fh.Filename, Data: data})
		}
	} else {
		var body struct {
			Text string `json:"text"`
		}
		if err := c.BodyParser(&body); err != nil {
			return apperror.InvalidInput("invalid_body", "Cannot parse JSON")
		}
		req.Text = body.Text
	}

	message, err := h.chat.SendMessage(c.UserContext(), requester, req, uploads)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(message)
}

func (h *MessagingHandler) GetRelatedUsers(c *fiber.Ctx) error {
	requester, err := middleware.CurrentUser(c)
	if err != nil {
		return err
	}
	users, err := h.chat.ListRelatedUsers(c.UserContext(), requester, c.Query("site_id"), c.Query("role"))
	if err != nil {
		return err
	}
	return c.JSON(users)
}

type socketFrame struct {
	Type           string `json:"type"`
	Token          string `json:"token,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Content        string `json:"content,omitempty"`
}

func socketError(err error) websocket.Event {
	return websocket.Event{Event: "error", Data: fiber.Map{
		"code":      apperror.CodeOf(err),
		"message":   publicMessage(err),
		"retryable": apperror.IsTransient(err),
	}}
}

// ServeWs authenticates the first frame, then handles join, leave and
// message frames until the socket closes.
func (h *MessagingHandler) ServeWs(c *websocketcontrib.Conn) {
	var auth socketFrame
	if err := c.ReadJSON(&auth); err != nil || auth.Type != "auth" {
		log.Debug().Err(err).Msg("websocket auth failed: invalid or missing auth message")
		_ = c.WriteJSON(fiber.Map{"error": "Invalid or missing auth message"})
		c.Close()
		return
	}
	claims, err := middleware.ParseToken(h.secret, auth.Token)
	if err != nil {
		log.Debug().Err(err).Msg("websocket auth failed: invalid token")
		_ = c.WriteJSON(fiber.Map{"error": "Invalid token"})
		c.Close()
		return
	}
	requester, err := middleware.RequesterFromClaims(claims)
	if err != nil {
		_ = c.WriteJSON(fiber.Map{"error": "Invalid user ID"})
		c.Close()
		return
	}

	client := websocket.NewClient(requester.UserID, c)
	h.hub.Register(client)
	go client.WritePump()
	defer func() {
		h.hub.Unregister(client)
		c.Close()
	}()
	log.Debug().Str("user_id", requester.UserID.String()).Msg("websocket client authenticated")

	for {
		var frame socketFrame
		if err := c.ReadJSON(&frame); err != nil {
			if websocketcontrib.IsCloseError(err, websocketcontrib.CloseGoingAway, websocketcontrib.CloseNormalClosure) {
				log.Debug().Str("user_id", requester.UserID.String()).Msg("websocket closed")
			} else {
				log.Debug().Err(err).Str("user_id", requester.UserID.String()).Msg("websocket read error")
			}
			return
		}
		h.handleFrame(client, requester, frame)
	}
}

func (h *MessagingHandler) handleFrame(client *websocket.Client, requester services.Requester, frame socketFrame) {
	ctx := context.Background()
	switch frame.Type {
	case "join":
		conversationID, err := uuid.Parse(frame.ConversationID)
		if err != nil {
			client.Reply(socketError(apperror.InvalidInput("invalid_id", "Invalid conversation ID")))
			return
		}
		ok, err := h.chat.CanJoinChannel(ctx, requester.UserID, conversationID)
		if err != nil {
			client.Reply(socketError(err))
			return
		}
		if !ok {
			client.Reply(socketError(apperror.Forbidden("not_a_member", "You are not a participant of this conversation")))
			return
		}
		h.hub.Join(client, conversationID.String())
		client.Reply(websocket.Event{Event: "joined", Data: fiber.Map{"conversation_id": conversationID}})
	case "leave":
		conversationID, err := uuid.Parse(frame.ConversationID)
		if err != nil {
			client.Reply(socketError(apperror.InvalidInput("invalid_id", "Invalid conversation ID")))
			return
		}
		h.hub.Leave(client, conversationID.String())
	case "message":
		_, err := h.chat.SendMessage(ctx, requester, services.SendMessageRequest{
			ConversationID: frame.ConversationID,
			Text:           frame.Content,
		}, nil)
		if err != nil {
			client.Reply(socketError(err))
		}
	default:
		client.Reply(socketError(apperror.InvalidInput("unknown_frame", "Unknown frame type %q", frame.Type)))
	}
}
