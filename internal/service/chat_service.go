// Package service provides the chat business logic: chat lists, message
// history, sending, read receipts and membership management.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"officechat/internal/featureflags"
	"officechat/internal/middleware"
	"officechat/internal/models"
	"officechat/internal/notifications"
	"officechat/internal/observability"
	"officechat/internal/repository"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// Broadcaster delivers realtime events. *notifications.ChatHub implements it.
type Broadcaster interface {
	SendToUser(userID uint, eventType string, payload any) int
	SendToUsers(userIDs []uint, eventType string, payload any)
	BroadcastToChat(chatID uint, eventType string, payload any, excludeUserID uint)
	RoomOccupants(chatID uint) []uint
	LeaveChatUser(userID, chatID uint)
	IsOnline(userID uint) bool
}

// EventPublisher forwards message events to out-of-band consumers.
type EventPublisher interface {
	PublishMessageCreated(ctx context.Context, evt notifications.MessageCreated) error
}

// Message origins for metrics.
const (
	OriginWebSocket = "websocket"
	OriginHTTP      = "http"
)

// ChatService implements chat reads, sends, read receipts and membership.
type ChatService struct {
	chats  repository.ChatRepository
	users  repository.UserRepository
	hub    Broadcaster
	events EventPublisher
	flags  *featureflags.Manager
	now    func() time.Time
}

// Option customizes a ChatService.
type Option func(*ChatService)

// WithClock replaces time.Now, used for joined_at and created_at stamps.
func WithClock(now func() time.Time) Option {
	return func(s *ChatService) { s.now = now }
}

// WithEvents sets the publisher for message_created events.
func WithEvents(p EventPublisher) Option {
	return func(s *ChatService) { s.events = p }
}

// WithFlags sets the feature flag manager.
func WithFlags(m *featureflags.Manager) Option {
	return func(s *ChatService) { s.flags = m }
}

// NewChatService returns a new ChatService. A nil hub disables realtime
// delivery.
func NewChatService(chats repository.ChatRepository, users repository.UserRepository, hub Broadcaster, opts ...Option) *ChatService {
	s := &ChatService{
		chats: chats,
		users: users,
		hub:   hub,
		flags: featureflags.NewManager(""),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hub == nil {
		s.hub = noopBroadcaster{}
	}
	return s
}

func (s *ChatService) stamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// SendMessageInput is the input for sending a message.
type SendMessageInput struct {
	ChatID     uint
	UserID     uint
	Text       string
	Attachment *Attachment
	Origin     string
}

// ListChats returns the caller's chats, most recently active first.
func (s *ChatService) ListChats(ctx context.Context, userID uint) ([]ChatSummary, error) {
	rows, err := s.chats.ListChatsForUser(ctx, userID)
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	ids := make([]uint, len(rows))
	for i, row := range rows {
		ids[i] = row.ChatID
	}
	members, err := s.chats.ListMembersForChats(ctx, ids)
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return buildChatSummaries(rows, members, userID, s.hub.IsOnline), nil
}

// GetChat returns one chat summary for a member. Non-members get NotFound.
func (s *ChatService) GetChat(ctx context.Context, chatID, userID uint) (*ChatSummary, error) {
	row, err := s.chats.GetChatRowForUser(ctx, chatID, userID)
	if err != nil {
		return nil, notFoundOr(err, "Chat", chatID)
	}
	members, err := s.chats.ListMembers(ctx, chatID)
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	summaries := buildChatSummaries([]repository.ChatListRow{*row}, map[uint][]repository.MemberRow{chatID: members}, userID, s.hub.IsOnline)
	return &summaries[0], nil
}

// ListMessages returns a page of history visible to userID, oldest first,
// with ids below cursor (0 for the newest page).
func (s *ChatService) ListMessages(ctx context.Context, chatID, userID, cursor uint, limit int) (*MessagePage, error) {
	chat, err := s.memberChat(ctx, s.chats, chatID, userID)
	if err != nil {
		return nil, err
	}
	limit = normalizeLimit(limit)

	messages, err := s.chats.ListMessages(ctx, chatID, userID, cursor, limit)
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	senders, err := s.users.GetByIDs(ctx, senderIDs(messages))
	if err != nil {
		return nil, err
	}

	page := &MessagePage{Messages: make([]MessageView, 0, len(messages))}
	for _, m := range messages {
		page.Messages = append(page.Messages, messageView(chat.Type, m, userID, senders))
	}
	if len(messages) == limit {
		next := messages[0].ID
		page.NextCursor = &next
	}
	return page, nil
}

// SendMessage stores a message and delivers receive_message to the personal
// room of every member. Members other than the sender who are in the chat
// room right now start out as readers.
func (s *ChatService) SendMessage(ctx context.Context, in SendMessageInput) (view *MessageView, err error) {
	ctx, span := observability.StartSpan(ctx, "chat_service", "SendMessage",
		attribute.Int64("chat.id", int64(in.ChatID)),
	)
	defer func() { observability.EndSpan(span, err) }()

	text := strings.TrimSpace(in.Text)
	if text == "" && in.Attachment == nil {
		return nil, models.NewValidationError("Message text or attachment is required")
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return nil, models.NewValidationError("Message is too long")
	}
	if in.Attachment != nil && strings.TrimSpace(in.Attachment.URL) == "" {
		return nil, models.NewValidationError("Attachment url is required")
	}

	chat, err := s.memberChat(ctx, s.chats, in.ChatID, in.UserID)
	if err != nil {
		return nil, err
	}
	memberIDs, err := s.chats.MemberIDs(ctx, in.ChatID)
	if err != nil {
		return nil, models.NewInternalError(err)
	}

	present := presentOthers(s.hub.RoomOccupants(in.ChatID), memberIDs, in.UserID)

	sender := in.UserID
	msg := &models.Message{
		ChatID:     in.ChatID,
		SenderID:   &sender,
		SenderType: models.SenderTypeUser,
		Content:    text,
		CreatedAt:  s.stamp(),
	}
	if in.Attachment != nil {
		url, kind := in.Attachment.URL, in.Attachment.Type
		msg.AttachmentURL = &url
		msg.AttachmentType = &kind
	}

	var readers []uint
	if chat.Type == models.ChatTypeDirect {
		msg.IsRead = len(present) > 0
	} else {
		readers = present
	}
	if err := s.chats.CreateMessage(ctx, msg, readers); err != nil {
		return nil, models.NewInternalError(err)
	}

	origin := in.Origin
	if origin == "" {
		origin = OriginHTTP
	}
	observability.MessagesSent.WithLabelValues(string(chat.Type), origin).Inc()

	users, err := s.users.GetByIDs(ctx, []uint{in.UserID})
	if err != nil {
		middleware.Logger.WarnContext(ctx, "sender lookup failed", slog.String("error", err.Error()))
		users = map[uint]models.User{}
	}
	s.deliverMessage(chat.Type, *msg, memberIDs, users)
	s.publishMessageCreated(ctx, chat, *msg, users[in.UserID].Name, memberIDs, present)

	out := messageView(chat.Type, *msg, in.UserID, users)
	return &out, nil
}

// deliverMessage sends receive_message to each member's personal room with
// the view relative to that member.
func (s *ChatService) deliverMessage(chatType models.ChatType, msg models.Message, memberIDs []uint, users map[uint]models.User) {
	for _, memberID := range memberIDs {
		s.hub.SendToUser(memberID, notifications.EventReceiveMessage, messageView(chatType, msg, memberID, users))
	}
}

func (s *ChatService) publishMessageCreated(ctx context.Context, chat *models.Chat, msg models.Message, senderName string, memberIDs, present []uint) {
	if s.events == nil {
		return
	}
	skip := make(map[uint]struct{}, len(present)+1)
	skip[*msg.SenderID] = struct{}{}
	for _, id := range present {
		skip[id] = struct{}{}
	}
	recipients := make([]uint, 0, len(memberIDs))
	for _, id := range memberIDs {
		if _, ok := skip[id]; !ok {
			recipients = append(recipients, id)
		}
	}
	if len(recipients) == 0 {
		return
	}

	preview := msg.Content
	if utf8.RuneCountInString(preview) > 140 {
		preview = string([]rune(preview)[:140])
	}
	// Failures are logged and counted by the publisher.
	_ = s.events.PublishMessageCreated(ctx, notifications.MessageCreated{
		ChatID:     chat.ID,
		ChatName:   chat.Name,
		ChatType:   string(chat.Type),
		MessageID:  msg.ID,
		SenderID:   *msg.SenderID,
		SenderName: senderName,
		Preview:    preview,
		Recipients: recipients,
		CreatedAt:  msg.CreatedAt,
	})
}

// CanJoinRoom reports whether userID may subscribe to the chat's realtime room.
func (s *ChatService) CanJoinRoom(ctx context.Context, chatID, userID uint) error {
	_, err := s.memberChat(ctx, s.chats, chatID, userID)
	return err
}

// memberChat loads the chat if userID is a member. Missing chats and
// non-members are both NotFound so membership is never leaked.
func (s *ChatService) memberChat(ctx context.Context, repo repository.ChatRepository, chatID, userID uint) (*models.Chat, error) {
	if _, err := repo.GetMembership(ctx, chatID, userID); err != nil {
		return nil, notFoundOr(err, "Chat", chatID)
	}
	chat, err := repo.GetChat(ctx, chatID)
	if err != nil {
		return nil, notFoundOr(err, "Chat", chatID)
	}
	return chat, nil
}

func notFoundOr(err error, resource string, id uint) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.NewNotFoundError(resource, id)
	}
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return models.NewInternalError(err)
}

func senderIDs(messages []models.Message) []uint {
	seen := make(map[uint]struct{})
	ids := make([]uint, 0)
	for _, m := range messages {
		if m.SenderID == nil {
			continue
		}
		if _, ok := seen[*m.SenderID]; ok {
			continue
		}
		seen[*m.SenderID] = struct{}{}
		ids = append(ids, *m.SenderID)
	}
	return ids
}

// presentOthers returns the room occupants that are persisted members,
// excluding the sender.
func presentOthers(occupants, memberIDs []uint, senderID uint) []uint {
	members := make(map[uint]struct{}, len(memberIDs))
	for _, id := range memberIDs {
		members[id] = struct{}{}
	}
	out := make([]uint, 0, len(occupants))
	for _, id := range occupants {
		if id == senderID {
			continue
		}
		if _, ok := members[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

type noopBroadcaster struct{}

func (noopBroadcaster) SendToUser(uint, string, any) int { return 0 }
func (noopBroadcaster) SendToUsers([]uint, string, any) {}
func (noopBroadcaster) BroadcastToChat(uint, string, any, uint) {}
func (noopBroadcaster) RoomOccupants(uint) []uint { return nil }
func (noopBroadcaster) LeaveChatUser(uint, uint) {}
func (noopBroadcaster) IsOnline(uint) bool { return false }
