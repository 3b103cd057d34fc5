package service

import (
	"context"

	"officechat/internal/featureflags"
	"officechat/internal/models"
	"officechat/internal/notifications"
	"officechat/internal/observability"
	"officechat/internal/repository"

	"go.opentelemetry.io/otel/attribute"
)

// MarkRead marks everything userID can see in the chat as read and returns
// how many messages changed. messages_read is broadcast even when nothing
// changed so every open client converges.
func (s *ChatService) MarkRead(ctx context.Context, chatID, userID uint) (marked int64, err error) {
	ctx, span := observability.StartSpan(ctx, "chat_service", "MarkRead",
		attribute.Int64("chat.id", int64(chatID)),
	)
	defer func() { observability.EndSpan(span, err) }()

	var chat *models.Chat
	var memberIDs []uint
	err = s.chats.Transaction(ctx, func(tx repository.ChatRepository) error {
		c, err := s.memberChat(ctx, tx, chatID, userID)
		if err != nil {
			return err
		}
		chat = c
		if marked, err = tx.MarkRead(ctx, chatID, userID, s.stamp()); err != nil {
			return err
		}
		memberIDs, err = tx.MemberIDs(ctx, chatID)
		return err
	})
	if err != nil {
		return 0, notFoundOr(err, "Chat", chatID)
	}

	if marked > 0 {
		observability.MessagesMarkedRead.WithLabelValues(string(chat.Type)).Add(float64(marked))
	}
	s.broadcastRead(chatID, userID, memberIDs)
	return marked, nil
}

// broadcastRead sends messages_read to the chat room and, when enabled, to
// the personal rooms of members who are not in the room.
func (s *ChatService) broadcastRead(chatID, readerID uint, memberIDs []uint) {
	payload := notifications.ReadPayload{ChatID: chatID, ReaderID: readerID}
	s.hub.BroadcastToChat(chatID, notifications.EventMessagesRead, payload, 0)

	if !s.flags.On(featureflags.ReadFanoutPersonal) {
		return
	}
	inRoom := make(map[uint]struct{})
	for _, id := range s.hub.RoomOccupants(chatID) {
		inRoom[id] = struct{}{}
	}
	targets := make([]uint, 0, len(memberIDs))
	for _, id := range memberIDs {
		if id == readerID {
			continue
		}
		if _, ok := inRoom[id]; ok {
			continue
		}
		targets = append(targets, id)
	}
	if len(targets) > 0 {
		s.hub.SendToUsers(targets, notifications.EventMessagesRead, payload)
	}
}
