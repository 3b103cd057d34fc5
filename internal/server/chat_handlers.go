package server

import (
	"errors"
	"log/slog"

	"officechat/internal/middleware"
	"officechat/internal/models"
	"officechat/internal/service"
	"officechat/internal/storage"
	"officechat/internal/validation"

	"github.com/gofiber/fiber/v2"
)

// CreateChatRequest is the body of POST /api/chats.
type CreateChatRequest struct {
	Name    string          `json:"name"`
	Type    models.ChatType `json:"type"`
	Members []uint          `json:"members"`
}

// CreateDirectRequest is the body of POST /api/chats/direct.
type CreateDirectRequest struct {
	TargetUserID uint `json:"targetUserId"`
}

// SendMessageRequest is the body of POST /api/chats/{id}/messages.
type SendMessageRequest struct {
	Text       string              `json:"text"`
	Attachment *service.Attachment `json:"attachment,omitempty"`
}

// MembersRequest is the body of POST /api/chats/{id}/members.
type MembersRequest struct {
	Members []uint `json:"members"`
}

// PromoteRequest is the body of POST /api/chats/{id}/admins.
type PromoteRequest struct {
	MemberID uint `json:"memberId"`
}

// AttachmentRequest is the body of POST /api/chats/{id}/attachments.
type AttachmentRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
}

// ListChats handles GET /api/chats
// @Summary List chats
// @Description Chats the caller belongs to, most recently active first
// @Tags chats
// @Produce json
// @Security BearerAuth
// @Success 200 {array} service.ChatSummary
// @Failure 401 {object} models.ErrorResponse
// @Router /chats [get]
func (s *Server) ListChats(c *fiber.Ctx) error {
	chats, err := s.chatService.ListChats(c.UserContext(), currentUserID(c))
	if err != nil {
		return respondServiceError(c, err)
	}
	return c.JSON(chats)
}

// GetChat handles GET /api/chats/:id
// @Summary Get a chat
// @Tags chats
// @Produce json
// @Security BearerAuth
// @Param id path int true "Chat ID"
// @Success 200 {object} service.ChatSummary
// @Failure 404 {object} models.ErrorResponse
// @Router /chats/{id} [get]
func (s *Server) GetChat(c *fiber.Ctx) error {
	chatID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	chat, err := s.chatService.GetChat(c.UserContext(), chatID, currentUserID(c))
	if err != nil {
		return respondServiceError(c, err)
	}
	return c.JSON(chat)
}

// CreateDirectChat handles POST /api/chats/direct
// @Summary Open a direct chat
// @Description Returns the existing direct chat with the target user, creating it if needed
// @Tags chats
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body CreateDirectRequest true "Target user"
// @Success 200 {object} object{chatId=int}
// @Success 201 {object} object{chatId=int}
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /chats/direct [post]
func (s *Server) CreateDirectChat(c *fiber.Ctx) error {
	var req CreateDirectRequest
	if err := parseBody(c, &req); err != nil {
		return nil
	}
	if req.TargetUserID == 0 {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("targetUserId is required"))
	}

	chatID, created, err := s.chatService.CreateDirect(c.UserContext(), currentUserID(c), req.TargetUserID)
	if err != nil {
		return respondServiceError(c, err)
	}
	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{"chatId": chatID})
}

// CreateChat handles POST /api/chats
// @Summary Create a group or space
// @Tags chats
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body CreateChatRequest true "Chat"
// @Success 201 {object} service.ChatSummary
// @Failure 400 {object} models.ErrorResponse
// @Router /chats [post]
func (s *Server) CreateChat(c *fiber.Ctx) error {
	var req CreateChatRequest
	if err := parseBody(c, &req); err != nil {
		return nil
	}

	chat, err := s.chatService.CreateGroup(c.UserContext(), service.CreateGroupInput{
		CreatorID: currentUserID(c),
		Name:      req.Name,
		Type:      req.Type,
		MemberIDs: req.Members,
	})
	if err != nil {
		return respondServiceError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(chat)
}

// ListMessages handles GET /api/chats/:id/messages
// @Summary List messages
// @Description Newest-first cursor pagination; each page is returned oldest first
// @Tags chats
// @Produce json
// @Security BearerAuth
// @Param id path int true "Chat ID"
// @Param cursor query int false "Return messages with id below this"
// @Param limit query int false "Page size (max 100)"
// @Success 200 {object} service.MessagePage
// @Failure 404 {object} models.ErrorResponse
// @Router /chats/{id}/messages [get]
func (s *Server) ListMessages(c *fiber.Ctx) error {
	chatID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	cursor := c.QueryInt("cursor", 0)
	if cursor < 0 {
		cursor = 0
	}

	page, err := s.chatService.ListMessages(c.UserContext(), chatID, currentUserID(c), uint(cursor), c.QueryInt("limit", 0))
	if err != nil {
		return respondServiceError(c, err)
	}
	return c.JSON(page)
}

// SendMessage handles POST /api/chats/:id/messages
// @Summary Send a message
// @Tags chats
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "Chat ID"
// @Param request body SendMessageRequest true "Message"
// @Success 201 {object} service.MessageView
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 429 {object} models.ErrorResponse
// @Router /chats/{id}/messages [post]
func (s *Server) SendMessage(c *fiber.Ctx) error {
	chatID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	var req SendMessageRequest
	if err := parseBody(c, &req); err != nil {
		return nil
	}

	msg, err := s.chatService.SendMessage(c.UserContext(), service.SendMessageInput{
		ChatID:     chatID,
		UserID:     currentUserID(c),
		Text:       req.Text,
		Attachment: req.Attachment,
		Origin:     service.OriginHTTP,
	})
	if err != nil {
		return respondServiceError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(msg)
}

// MarkRead handles POST /api/chats/:id/read
// @Summary Mark a chat read
// @Tags chats
// @Produce json
// @Security BearerAuth
// @Param id path int true "Chat ID"
// @Success 200 {object} object{success=bool,marked=int}
// @Failure 404 {object} models.ErrorResponse
// @Router /chats/{id}/read [post]
func (s *Server) MarkRead(c *fiber.Ctx) error {
	chatID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	marked, err := s.chatService.MarkRead(c.UserContext(), chatID, currentUserID(c))
	if err != nil {
		return respondServiceError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "marked": marked})
}

// AddMembers handles POST /api/chats/:id/members
// @Summary Add members
// @Tags chats
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "Chat ID"
// @Param request body MembersRequest true "Members to add"
// @Success 200 {object} service.ChatSummary
// @Failure 400 {object} models.ErrorResponse
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /chats/{id}/members [post]
func (s *Server) AddMembers(c *fiber.Ctx) error {
	chatID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	var req MembersRequest
	if err := parseBody(c, &req); err != nil {
		return nil
	}

	chat, err := s.chatService.AddMembers(c.UserContext(), chatID, currentUserID(c), req.Members)
	if err != nil {
		return respondServiceError(c, err)
	}
	return c.JSON(chat)
}

// RemoveMember handles DELETE /api/chats/:id/members/:memberId
// @Summary Remove a member
// @Tags chats
// @Produce json
// @Security BearerAuth
// @Param id path int true "Chat ID"
// @Param memberId path int true "Member user ID"
// @Success 200 {object} service.ChatSummary
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /chats/{id}/members/{memberId} [delete]
func (s *Server) RemoveMember(c *fiber.Ctx) error {
	chatID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	memberID, err := parseID(c, "memberId")
	if err != nil {
		return nil
	}

	result, err := s.chatService.RemoveMember(c.UserContext(), chatID, currentUserID(c), memberID)
	if err != nil {
		return respondServiceError(c, err)
	}
	return respondMembership(c, result)
}

// PromoteAdmin handles POST /api/chats/:id/admins
// @Summary Promote a member to admin
// @Tags chats
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "Chat ID"
// @Param request body PromoteRequest true "Member to promote"
// @Success 200 {object} service.ChatSummary
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /chats/{id}/admins [post]
func (s *Server) PromoteAdmin(c *fiber.Ctx) error {
	chatID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	var req PromoteRequest
	if err := parseBody(c, &req); err != nil {
		return nil
	}
	if req.MemberID == 0 {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("memberId is required"))
	}

	chat, err := s.chatService.Promote(c.UserContext(), chatID, currentUserID(c), req.MemberID)
	if err != nil {
		return respondServiceError(c, err)
	}
	return c.JSON(chat)
}

// LeaveChat handles POST /api/chats/:id/leave
// @Summary Leave a chat
// @Tags chats
// @Produce json
// @Security BearerAuth
// @Param id path int true "Chat ID"
// @Success 200 {object} object{success=bool}
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /chats/{id}/leave [post]
func (s *Server) LeaveChat(c *fiber.Ctx) error {
	chatID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	result, err := s.chatService.Leave(c.UserContext(), chatID, currentUserID(c))
	if err != nil {
		return respondServiceError(c, err)
	}
	return respondMembership(c, result)
}

// respondMembership writes the chat summary, or {success: true} once the
// caller can no longer see the chat.
func respondMembership(c *fiber.Ctx, result *service.MembershipResult) error {
	if result == nil || result.Chat == nil {
		return c.JSON(fiber.Map{"success": true})
	}
	return c.JSON(result.Chat)
}

// PresignAttachment handles POST /api/chats/:id/attachments
// @Summary Presign an attachment upload
// @Description Returns a presigned PUT URL and the attachment URL to send with the message
// @Tags chats
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "Chat ID"
// @Param request body AttachmentRequest true "File"
// @Success 200 {object} storage.Upload
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 503 {object} models.ErrorResponse
// @Router /chats/{id}/attachments [post]
func (s *Server) PresignAttachment(c *fiber.Ctx) error {
	chatID, err := parseID(c, "id")
	if err != nil {
		return nil
	}
	if s.attachments == nil {
		return models.RespondWithError(c, fiber.StatusServiceUnavailable,
			models.NewValidationError("Attachments are not configured"))
	}
	var req AttachmentRequest
	if err := parseBody(c, &req); err != nil {
		return nil
	}
	if err := validation.ValidateAttachmentFilename(req.Filename); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest, models.NewValidationError(err.Error()))
	}

	ctx := c.UserContext()
	if err := s.chatService.CanJoinRoom(ctx, chatID, currentUserID(c)); err != nil {
		return respondServiceError(c, err)
	}

	upload, err := s.attachments.PresignUpload(ctx, chatID, req.Filename, req.ContentType)
	if err != nil {
		if errors.Is(err, storage.ErrNotConfigured) {
			return models.RespondWithError(c, fiber.StatusServiceUnavailable,
				models.NewValidationError("Attachments are not configured"))
		}
		middleware.Logger.ErrorContext(ctx, "presign attachment failed",
			slog.Uint64("chat_id", uint64(chatID)),
			slog.String("error", err.Error()),
		)
		return models.RespondWithError(c, fiber.StatusInternalServerError, models.NewInternalError(err))
	}
	return c.JSON(upload)
}

// GetOnlineUsers handles GET /api/users/online
// @Summary Online users
// @Tags realtime
// @Produce json
// @Security BearerAuth
// @Success 200 {array} int
// @Router /users/online [get]
func (s *Server) GetOnlineUsers(c *fiber.Ctx) error {
	online := s.chatHub.OnlineUsers()
	if online == nil {
		online = []uint{}
	}
	return c.JSON(online)
}
