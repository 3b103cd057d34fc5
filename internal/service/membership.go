package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"officechat/internal/featureflags"
	"officechat/internal/models"
	"officechat/internal/notifications"
	"officechat/internal/observability"
	"officechat/internal/repository"
	"officechat/internal/validation"

	"gorm.io/gorm"
)

// CreateGroupInput is the input for creating a group or space chat.
type CreateGroupInput struct {
	CreatorID uint
	Name      string
	Type      models.ChatType
	MemberIDs []uint
}

// mutation collects what a committed membership change must announce.
type mutation struct {
	chat     *models.Chat
	reason   string
	system   *models.Message
	notify   []uint // personal rooms that get chat_updated besides the room
	removed  uint
	deleted  bool
	changed  bool
	operator string
}

// CreateDirect returns the direct chat between userID and targetID, creating
// it when none exists. created reports whether this call created it.
func (s *ChatService) CreateDirect(ctx context.Context, userID, targetID uint) (chatID uint, created bool, err error) {
	ctx, span := observability.StartSpan(ctx, "chat_service", "CreateDirect")
	defer func() { observability.EndSpan(span, err) }()

	if userID == targetID {
		return 0, false, models.NewValidationError("Cannot start a direct chat with yourself")
	}
	if _, err := s.users.GetByID(ctx, targetID); err != nil {
		return 0, false, err
	}

	if id, err := s.chats.FindDirectChat(ctx, userID, targetID); err == nil {
		return id, false, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, models.NewInternalError(err)
	}

	now := s.stamp()
	err = s.chats.Transaction(ctx, func(tx repository.ChatRepository) error {
		if id, err := tx.FindDirectChat(ctx, userID, targetID); err == nil {
			chatID = id
			return nil
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		chat := &models.Chat{Type: models.ChatTypeDirect, CreatedAt: now}
		members := []models.ChatMember{
			{UserID: userID, JoinedAt: now},
			{UserID: targetID, JoinedAt: now},
		}
		if err := tx.CreateChat(ctx, chat, members); err != nil {
			return err
		}
		if err := tx.CreateDirectPair(ctx, models.NewDirectChatPair(userID, targetID, chat.ID)); err != nil {
			return err
		}
		chatID, created = chat.ID, true
		return nil
	})
	if err != nil {
		if repository.IsUniqueViolation(err) {
			// Lost the race to a concurrent create for the same pair.
			id, lookupErr := s.chats.FindDirectChat(ctx, userID, targetID)
			if lookupErr == nil {
				return id, false, nil
			}
			err = lookupErr
		}
		return 0, false, models.NewInternalError(err)
	}

	if created {
		observability.MembershipChanges.WithLabelValues("create_direct").Inc()
		s.announceCreated(ctx, chatID, []uint{userID, targetID})
	}
	return chatID, created, nil
}

// CreateGroup creates a group or space chat with the creator as admin.
func (s *ChatService) CreateGroup(ctx context.Context, in CreateGroupInput) (summary *ChatSummary, err error) {
	ctx, span := observability.StartSpan(ctx, "chat_service", "CreateGroup")
	defer func() { observability.EndSpan(span, err) }()

	if in.Type != models.ChatTypeGroup && in.Type != models.ChatTypeSpace {
		return nil, models.NewValidationError("Chat type must be group or space")
	}
	name, err := validation.ValidateChatName(in.Name)
	if err != nil {
		return nil, models.NewValidationError(err.Error())
	}

	memberIDs := uniqueIDs(in.MemberIDs, in.CreatorID)
	users, err := s.loadUsers(ctx, append([]uint{in.CreatorID}, memberIDs...))
	if err != nil {
		return nil, err
	}

	now := s.stamp()
	chat := &models.Chat{Name: name, Type: in.Type, CreatedAt: now}
	err = s.chats.Transaction(ctx, func(tx repository.ChatRepository) error {
		members := make([]models.ChatMember, 0, len(memberIDs)+1)
		members = append(members, models.ChatMember{UserID: in.CreatorID, IsAdmin: true, JoinedAt: now})
		for _, id := range memberIDs {
			members = append(members, models.ChatMember{UserID: id, JoinedAt: now})
		}
		if err := tx.CreateChat(ctx, chat, members); err != nil {
			return err
		}
		_, err := s.appendSystemMessage(ctx, tx, chat.ID, fmt.Sprintf("%s created %s", displayName(users, in.CreatorID), name))
		return err
	})
	if err != nil {
		return nil, models.NewInternalError(err)
	}

	observability.MembershipChanges.WithLabelValues("create_group").Inc()
	s.announceCreated(ctx, chat.ID, append([]uint{in.CreatorID}, memberIDs...))
	return s.GetChat(ctx, chat.ID, in.CreatorID)
}

// AddMembers adds users to a group or space chat. Only admins may add, and
// users who already are members are skipped.
func (s *ChatService) AddMembers(ctx context.Context, chatID, requesterID uint, memberIDs []uint) (*ChatSummary, error) {
	if _, err := s.requireAdmin(ctx, s.chats, chatID, requesterID, true); err != nil {
		return nil, mutationError(err, chatID)
	}
	ids := uniqueIDs(memberIDs, 0)
	if len(ids) == 0 {
		return nil, models.NewValidationError("At least one member is required")
	}
	users, err := s.loadUsers(ctx, append([]uint{requesterID}, ids...))
	if err != nil {
		return nil, err
	}

	m := &mutation{reason: ReasonMembersAdded, operator: "add_members"}
	err = s.chats.Transaction(ctx, func(tx repository.ChatRepository) error {
		chat, err := s.requireAdmin(ctx, tx, chatID, requesterID, true)
		if err != nil {
			return err
		}
		m.chat = chat

		now := s.stamp()
		var names []string
		for _, id := range ids {
			added, err := tx.AddMember(ctx, models.ChatMember{ChatID: chatID, UserID: id, JoinedAt: now})
			if err != nil {
				return err
			}
			if added {
				m.notify = append(m.notify, id)
				names = append(names, displayName(users, id))
			}
		}
		if len(m.notify) == 0 {
			return nil
		}
		m.changed = true
		m.system, err = s.appendSystemMessage(ctx, tx, chatID,
			fmt.Sprintf("%s added %s", displayName(users, requesterID), strings.Join(names, ", ")))
		return err
	})
	if err != nil {
		return nil, mutationError(err, chatID)
	}

	s.announce(ctx, m)
	return s.GetChat(ctx, chatID, requesterID)
}

// RemoveMember removes targetID from the chat. Only admins may remove. The
// chat is deleted when nobody is left.
func (s *ChatService) RemoveMember(ctx context.Context, chatID, requesterID, targetID uint) (*MembershipResult, error) {
	users, err := s.loadUsers(ctx, []uint{requesterID})
	if err != nil {
		return nil, err
	}
	if target, err := s.users.GetByIDs(ctx, []uint{targetID}); err == nil {
		for id, u := range target {
			users[id] = u
		}
	}

	m := &mutation{reason: ReasonMemberRemoved, operator: "remove_member", removed: targetID, notify: []uint{targetID}}
	err = s.chats.Transaction(ctx, func(tx repository.ChatRepository) error {
		chat, err := s.requireAdmin(ctx, tx, chatID, requesterID, true)
		if err != nil {
			return err
		}
		m.chat = chat

		removed, err := tx.RemoveMember(ctx, chatID, targetID)
		if err != nil {
			return err
		}
		if !removed {
			return models.NewNotFoundError("Member", targetID)
		}
		m.changed = true
		return s.finishRemoval(ctx, tx, m,
			fmt.Sprintf("%s removed %s", displayName(users, requesterID), displayName(users, targetID)))
	})
	if err != nil {
		return nil, mutationError(err, chatID)
	}

	s.announce(ctx, m)
	return s.membershipResult(ctx, m, requesterID)
}

// Promote makes targetID an admin. Promoting an admin changes nothing.
func (s *ChatService) Promote(ctx context.Context, chatID, requesterID, targetID uint) (*ChatSummary, error) {
	users, err := s.loadUsers(ctx, []uint{requesterID})
	if err != nil {
		return nil, err
	}
	if target, err := s.users.GetByIDs(ctx, []uint{targetID}); err == nil {
		for id, u := range target {
			users[id] = u
		}
	}

	m := &mutation{reason: ReasonAdminUpdated, operator: "promote"}
	err = s.chats.Transaction(ctx, func(tx repository.ChatRepository) error {
		chat, err := s.requireAdmin(ctx, tx, chatID, requesterID, false)
		if err != nil {
			return err
		}
		m.chat = chat

		target, err := tx.GetMembership(ctx, chatID, targetID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.NewNotFoundError("Member", targetID)
			}
			return err
		}
		if target.IsAdmin {
			return nil
		}
		if err := tx.SetAdmin(ctx, chatID, targetID); err != nil {
			return err
		}
		m.changed = true
		m.system, err = s.appendSystemMessage(ctx, tx, chatID,
			fmt.Sprintf("%s made %s an admin", displayName(users, requesterID), displayName(users, targetID)))
		return err
	})
	if err != nil {
		return nil, mutationError(err, chatID)
	}

	s.announce(ctx, m)
	return s.GetChat(ctx, chatID, requesterID)
}

// Leave removes userID from the chat without an admin check. The chat is
// deleted when nobody is left.
func (s *ChatService) Leave(ctx context.Context, chatID, userID uint) (*MembershipResult, error) {
	users, err := s.loadUsers(ctx, []uint{userID})
	if err != nil {
		return nil, err
	}

	m := &mutation{reason: ReasonMemberLeft, operator: "leave", removed: userID, notify: []uint{userID}}
	err = s.chats.Transaction(ctx, func(tx repository.ChatRepository) error {
		chat, err := s.memberChat(ctx, tx, chatID, userID)
		if err != nil {
			return err
		}
		if chat.Type == models.ChatTypeDirect {
			return models.NewValidationError("Direct chats cannot be left")
		}
		m.chat = chat

		if _, err := tx.RemoveMember(ctx, chatID, userID); err != nil {
			return err
		}
		m.changed = true
		return s.finishRemoval(ctx, tx, m, fmt.Sprintf("%s left the chat", displayName(users, userID)))
	})
	if err != nil {
		return nil, mutationError(err, chatID)
	}

	s.announce(ctx, m)
	return &MembershipResult{Deleted: m.deleted}, nil
}

// finishRemoval deletes the chat when it became empty, otherwise records the
// system message for the removal.
func (s *ChatService) finishRemoval(ctx context.Context, tx repository.ChatRepository, m *mutation, text string) error {
	count, err := tx.CountMembers(ctx, m.chat.ID)
	if err != nil {
		return err
	}
	if count == 0 {
		m.deleted = true
		return tx.DeleteChat(ctx, m.chat.ID)
	}
	m.system, err = s.appendSystemMessage(ctx, tx, m.chat.ID, text)
	return err
}

// requireAdmin loads the chat for an admin requester. Missing chats and
// non-members are NotFound, non-admins are Forbidden. rejectDirect refuses
// membership changes that would break the two-member rule. Direct chats have
// no admins, so their members are Forbidden before that rule applies.
func (s *ChatService) requireAdmin(ctx context.Context, tx repository.ChatRepository, chatID, requesterID uint, rejectDirect bool) (*models.Chat, error) {
	member, err := tx.GetMembership(ctx, chatID, requesterID)
	if err != nil {
		return nil, notFoundOr(err, "Chat", chatID)
	}
	chat, err := tx.GetChat(ctx, chatID)
	if err != nil {
		return nil, notFoundOr(err, "Chat", chatID)
	}
	if !member.IsAdmin {
		return nil, models.NewForbiddenError("Only chat admins can change membership")
	}
	if rejectDirect && chat.Type == models.ChatTypeDirect {
		return nil, models.NewValidationError("Direct chat membership cannot change")
	}
	return chat, nil
}

func (s *ChatService) appendSystemMessage(ctx context.Context, tx repository.ChatRepository, chatID uint, text string) (*models.Message, error) {
	if !s.flags.On(featureflags.SystemMessages) {
		return nil, nil
	}
	msg := &models.Message{
		ChatID:     chatID,
		SenderType: models.SenderTypeSystem,
		Content:    text,
		CreatedAt:  s.stamp(),
	}
	if err := tx.CreateMessage(ctx, msg, nil); err != nil {
		return nil, err
	}
	return msg, nil
}

// announce publishes a committed mutation: the system message to members,
// chat_updated to the chat room and to the extra personal rooms.
func (s *ChatService) announce(ctx context.Context, m *mutation) {
	if !m.changed || m.chat == nil {
		return
	}
	observability.MembershipChanges.WithLabelValues(m.operator).Inc()

	if m.removed != 0 {
		s.hub.LeaveChatUser(m.removed, m.chat.ID)
	}

	update := ChatUpdate{ChatID: m.chat.ID, Name: m.chat.Name, Type: m.chat.Type, Reason: m.reason}
	var memberIDs []uint
	if m.deleted {
		update.Reason = ReasonChatDeleted
		update.Members = []MemberSummary{}
		update.Admins = []uint{}
	} else {
		rows, err := s.chats.ListMembers(ctx, m.chat.ID)
		if err != nil {
			return
		}
		update.Members, update.Admins = memberSummaries(rows, s.hub.IsOnline)
		for _, row := range rows {
			memberIDs = append(memberIDs, row.UserID)
		}
	}

	if m.system != nil {
		s.deliverMessage(m.chat.Type, *m.system, memberIDs, nil)
	}
	s.hub.BroadcastToChat(m.chat.ID, notifications.EventChatUpdated, update, 0)
	if len(m.notify) > 0 {
		s.hub.SendToUsers(m.notify, notifications.EventChatUpdated, update)
	}
}

// announceCreated tells every initial member about a new chat.
func (s *ChatService) announceCreated(ctx context.Context, chatID uint, memberIDs []uint) {
	chat, err := s.chats.GetChat(ctx, chatID)
	if err != nil {
		return
	}
	rows, err := s.chats.ListMembers(ctx, chatID)
	if err != nil {
		return
	}
	update := ChatUpdate{ChatID: chatID, Name: chat.Name, Type: chat.Type, Reason: ReasonCreated}
	update.Members, update.Admins = memberSummaries(rows, s.hub.IsOnline)
	s.hub.SendToUsers(memberIDs, notifications.EventChatUpdated, update)
}

func (s *ChatService) membershipResult(ctx context.Context, m *mutation, requesterID uint) (*MembershipResult, error) {
	if m.deleted {
		return &MembershipResult{Deleted: true}, nil
	}
	summary, err := s.GetChat(ctx, m.chat.ID, requesterID)
	if err != nil {
		var appErr *models.AppError
		if errors.As(err, &appErr) && appErr.Code == models.CodeNotFound {
			// The requester removed themselves.
			return &MembershipResult{}, nil
		}
		return nil, err
	}
	return &MembershipResult{Chat: summary}, nil
}

// loadUsers returns the directory entries for ids, or NotFound for the first
// id that does not exist.
func (s *ChatService) loadUsers(ctx context.Context, ids []uint) (map[uint]models.User, error) {
	users, err := s.users.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := users[id]; !ok {
			return nil, models.NewNotFoundError("User", id)
		}
	}
	return users, nil
}

func mutationError(err error, chatID uint) error {
	return notFoundOr(err, "Chat", chatID)
}

func displayName(users map[uint]models.User, id uint) string {
	if u, ok := users[id]; ok && u.Name != "" {
		return u.Name
	}
	return fmt.Sprintf("User %d", id)
}

// uniqueIDs drops zero, duplicate and skip ids, keeping first-seen order.
func uniqueIDs(ids []uint, skip uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id == 0 || id == skip {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
