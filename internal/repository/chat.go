// Package repository implements the data access layer for chats, members and messages.
package repository

import (
	"context"
	"sort"
	"time"

	"officechat/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const readInsertBatchSize = 500

// ChatListRow is one entry of a user's chat list with visibility-aware
// preview fields already resolved for that user.
type ChatListRow struct {
	ChatID          uint
	Name            string
	Type            models.ChatType
	CreatedAt       time.Time
	JoinedAt        time.Time
	IsAdmin         bool
	LastMessageID   *uint
	LastMessage     *string
	LastMessageTime *time.Time
	Unread          int64
}

// MemberRow is a chat member joined with its directory entry.
type MemberRow struct {
	ChatID   uint
	UserID   uint
	Name     string
	Avatar   string
	IsAdmin  bool
	JoinedAt time.Time
}

// ChatRepository defines chat persistence. Methods returning a single row
// return gorm.ErrRecordNotFound when it is absent.
type ChatRepository interface {
	Transaction(ctx context.Context, fn func(tx ChatRepository) error) error

	GetChat(ctx context.Context, chatID uint) (*models.Chat, error)
	CreateChat(ctx context.Context, chat *models.Chat, members []models.ChatMember) error
	DeleteChat(ctx context.Context, chatID uint) error
	FindDirectChat(ctx context.Context, userA, userB uint) (uint, error)
	CreateDirectPair(ctx context.Context, pair models.DirectChatPair) error

	GetMembership(ctx context.Context, chatID, userID uint) (*models.ChatMember, error)
	ListMembers(ctx context.Context, chatID uint) ([]MemberRow, error)
	ListMembersForChats(ctx context.Context, chatIDs []uint) (map[uint][]MemberRow, error)
	MemberIDs(ctx context.Context, chatID uint) ([]uint, error)
	AddMember(ctx context.Context, member models.ChatMember) (bool, error)
	RemoveMember(ctx context.Context, chatID, userID uint) (bool, error)
	CountMembers(ctx context.Context, chatID uint) (int64, error)
	SetAdmin(ctx context.Context, chatID, userID uint) error

	ListChatsForUser(ctx context.Context, userID uint) ([]ChatListRow, error)
	GetChatRowForUser(ctx context.Context, chatID, userID uint) (*ChatListRow, error)
	ListMessages(ctx context.Context, chatID, userID, cursor uint, limit int) ([]models.Message, error)
	CreateMessage(ctx context.Context, msg *models.Message, readers []uint) error
	MarkRead(ctx context.Context, chatID, userID uint, at time.Time) (int64, error)
}

type chatRepository struct {
	db *gorm.DB
}

// NewChatRepository creates a new chat repository
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db}
}

func (r *chatRepository) Transaction(ctx context.Context, fn func(tx ChatRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&chatRepository{db: tx})
	})
}

func (r *chatRepository) GetChat(ctx context.Context, chatID uint) (*models.Chat, error) {
	var chat models.Chat
	if err := r.db.WithContext(ctx).First(&chat, chatID).Error; err != nil {
		return nil, err
	}
	return &chat, nil
}

func (r *chatRepository) CreateChat(ctx context.Context, chat *models.Chat, members []models.ChatMember) error {
	db := r.db.WithContext(ctx)
	if err := db.Omit(clause.Associations).Create(chat).Error; err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	for i := range members {
		members[i].ChatID = chat.ID
	}
	return db.Create(&members).Error
}

// DeleteChat removes the chat together with its members, messages and read
// receipts. Children are deleted explicitly so SQLite without foreign key
// enforcement behaves like postgres.
func (r *chatRepository) DeleteChat(ctx context.Context, chatID uint) error {
	db := r.db.WithContext(ctx)
	messageIDs := db.Model(&models.Message{}).Select("id").Where("chat_id = ?", chatID)
	if err := db.Where("message_id IN (?)", messageIDs).Delete(&models.MessageRead{}).Error; err != nil {
		return err
	}
	if err := db.Where("chat_id = ?", chatID).Delete(&models.Message{}).Error; err != nil {
		return err
	}
	if err := db.Where("chat_id = ?", chatID).Delete(&models.ChatMember{}).Error; err != nil {
		return err
	}
	if err := db.Where("chat_id = ?", chatID).Delete(&models.DirectChatPair{}).Error; err != nil {
		return err
	}
	return db.Delete(&models.Chat{}, chatID).Error
}

func (r *chatRepository) FindDirectChat(ctx context.Context, userA, userB uint) (uint, error) {
	key := models.NewDirectChatPair(userA, userB, 0)
	var pair models.DirectChatPair
	err := r.db.WithContext(ctx).
		Where("low_user_id = ? AND high_user_id = ?", key.LowUserID, key.HighUserID).
		First(&pair).Error
	if err != nil {
		return 0, err
	}
	return pair.ChatID, nil
}

func (r *chatRepository) CreateDirectPair(ctx context.Context, pair models.DirectChatPair) error {
	return r.db.WithContext(ctx).Create(&pair).Error
}

func (r *chatRepository) GetMembership(ctx context.Context, chatID, userID uint) (*models.ChatMember, error) {
	var member models.ChatMember
	err := r.db.WithContext(ctx).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		First(&member).Error
	if err != nil {
		return nil, err
	}
	return &member, nil
}

func (r *chatRepository) ListMembers(ctx context.Context, chatID uint) ([]MemberRow, error) {
	byChat, err := r.ListMembersForChats(ctx, []uint{chatID})
	if err != nil {
		return nil, err
	}
	return byChat[chatID], nil
}

func (r *chatRepository) ListMembersForChats(ctx context.Context, chatIDs []uint) (map[uint][]MemberRow, error) {
	result := make(map[uint][]MemberRow, len(chatIDs))
	if len(chatIDs) == 0 {
		return result, nil
	}

	var rows []MemberRow
	err := r.db.WithContext(ctx).
		Table("chat_members AS cm").
		Select("cm.chat_id, cm.user_id, COALESCE(u.name, '') AS name, COALESCE(u.avatar, '') AS avatar, cm.is_admin, cm.joined_at").
		Joins("LEFT JOIN users u ON u.id = cm.user_id").
		Where("cm.chat_id IN ?", chatIDs).
		Order("cm.chat_id ASC, cm.joined_at ASC, cm.user_id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		result[row.ChatID] = append(result[row.ChatID], row)
	}
	return result, nil
}

func (r *chatRepository) MemberIDs(ctx context.Context, chatID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).
		Model(&models.ChatMember{}).
		Where("chat_id = ?", chatID).
		Order("user_id ASC").
		Pluck("user_id", &ids).Error
	return ids, err
}

// AddMember inserts the membership row unless it already exists and reports
// whether a row was created.
func (r *chatRepository) AddMember(ctx context.Context, member models.ChatMember) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&member)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *chatRepository) RemoveMember(ctx context.Context, chatID, userID uint) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Delete(&models.ChatMember{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *chatRepository) CountMembers(ctx context.Context, chatID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.ChatMember{}).Where("chat_id = ?", chatID).Count(&count).Error
	return count, err
}

func (r *chatRepository) SetAdmin(ctx context.Context, chatID, userID uint) error {
	return r.db.WithContext(ctx).
		Model(&models.ChatMember{}).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Update("is_admin", true).Error
}

func (r *chatRepository) chatRowsQuery(ctx context.Context, userID uint) *gorm.DB {
	lastID := "(SELECT m.id FROM messages m WHERE " + visibleMessagesClause("m", "c", "cm") + " ORDER BY m.id DESC LIMIT 1)"
	unread := "(SELECT COUNT(*) FROM messages m WHERE " + unreadMessagesClause("m", "c", "cm") + ")"

	return r.db.WithContext(ctx).
		Table("chats AS c").
		Select("c.id AS chat_id, c.name, c.type, c.created_at, cm.joined_at, cm.is_admin, "+
			lastID+" AS last_message_id, "+unread+" AS unread").
		Joins("JOIN chat_members cm ON cm.chat_id = c.id AND cm.user_id = ?", userID)
}

// ListChatsForUser returns every chat userID belongs to, ordered by the last
// visible message time (newest first, chats without messages last).
func (r *chatRepository) ListChatsForUser(ctx context.Context, userID uint) ([]ChatListRow, error) {
	var rows []ChatListRow
	if err := r.chatRowsQuery(ctx, userID).Scan(&rows).Error; err != nil {
		return nil, err
	}
	if err := r.attachLastMessages(ctx, rows); err != nil {
		return nil, err
	}

	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i].LastMessageTime, rows[j].LastMessageTime
		switch {
		case a == nil && b == nil:
			return rows[i].ChatID > rows[j].ChatID
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(*b):
			return a.After(*b)
		default:
			return rows[i].ChatID > rows[j].ChatID
		}
	})
	return rows, nil
}

func (r *chatRepository) GetChatRowForUser(ctx context.Context, chatID, userID uint) (*ChatListRow, error) {
	var rows []ChatListRow
	if err := r.chatRowsQuery(ctx, userID).Where("c.id = ?", chatID).Scan(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	if err := r.attachLastMessages(ctx, rows); err != nil {
		return nil, err
	}
	return &rows[0], nil
}

// attachLastMessages loads preview content and time through the typed model
// so timestamps decode the same way on every driver.
func (r *chatRepository) attachLastMessages(ctx context.Context, rows []ChatListRow) error {
	ids := make([]uint, 0, len(rows))
	for _, row := range rows {
		if row.LastMessageID != nil {
			ids = append(ids, *row.LastMessageID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	var messages []models.Message
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&messages).Error; err != nil {
		return err
	}
	byID := make(map[uint]models.Message, len(messages))
	for _, m := range messages {
		byID[m.ID] = m
	}

	for i := range rows {
		if rows[i].LastMessageID == nil {
			continue
		}
		if m, ok := byID[*rows[i].LastMessageID]; ok {
			content := m.Content
			created := m.CreatedAt
			rows[i].LastMessage = &content
			rows[i].LastMessageTime = &created
		}
	}
	return nil
}

// ListMessages returns up to limit messages visible to userID with id below
// cursor (0 means newest), in ascending id order, with ReadBy populated.
func (r *chatRepository) ListMessages(ctx context.Context, chatID, userID, cursor uint, limit int) ([]models.Message, error) {
	q := r.db.WithContext(ctx).
		Table("messages AS m").
		Select("m.*").
		Joins("JOIN chats c ON c.id = m.chat_id").
		Joins("JOIN chat_members cm ON cm.chat_id = m.chat_id AND cm.user_id = ?", userID).
		Where("m.chat_id = ?", chatID).
		Where(visibleMessagesClause("m", "c", "cm"))
	if cursor > 0 {
		q = q.Where("m.id < ?", cursor)
	}

	var messages []models.Message
	if err := q.Order("m.id DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	if err := r.attachReaders(ctx, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *chatRepository) attachReaders(ctx context.Context, messages []models.Message) error {
	if len(messages) == 0 {
		return nil
	}
	ids := make([]uint, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}

	var reads []models.MessageRead
	if err := r.db.WithContext(ctx).
		Where("message_id IN ?", ids).
		Order("read_at ASC, user_id ASC").
		Find(&reads).Error; err != nil {
		return err
	}

	byMessage := make(map[uint][]uint, len(messages))
	for _, read := range reads {
		byMessage[read.MessageID] = append(byMessage[read.MessageID], read.UserID)
	}
	for i := range messages {
		messages[i].ReadBy = byMessage[messages[i].ID]
		if messages[i].ReadBy == nil {
			messages[i].ReadBy = []uint{}
		}
	}
	return nil
}

// CreateMessage inserts msg and records readers as its initial read set.
func (r *chatRepository) CreateMessage(ctx context.Context, msg *models.Message, readers []uint) error {
	db := r.db.WithContext(ctx)
	if err := db.Create(msg).Error; err != nil {
		return err
	}
	if len(readers) == 0 {
		msg.ReadBy = []uint{}
		return nil
	}

	reads := make([]models.MessageRead, 0, len(readers))
	for _, userID := range readers {
		reads = append(reads, models.MessageRead{MessageID: msg.ID, UserID: userID, ReadAt: msg.CreatedAt})
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&reads).Error; err != nil {
		return err
	}
	msg.ReadBy = append([]uint(nil), readers...)
	return nil
}

// MarkRead marks every message userID can see and has not read as read, and
// returns how many messages changed state. Running it again changes nothing.
func (r *chatRepository) MarkRead(ctx context.Context, chatID, userID uint, at time.Time) (int64, error) {
	db := r.db.WithContext(ctx)

	chat, err := r.GetChat(ctx, chatID)
	if err != nil {
		return 0, err
	}

	if chat.Type == models.ChatTypeDirect {
		res := db.Model(&models.Message{}).
			Where("chat_id = ? AND is_read = ?", chatID, false).
			Where("(sender_id IS NULL OR sender_id <> ?)", userID).
			Update("is_read", true)
		return res.RowsAffected, res.Error
	}

	var ids []uint
	err = db.Table("messages AS m").
		Joins("JOIN chats c ON c.id = m.chat_id").
		Joins("JOIN chat_members cm ON cm.chat_id = m.chat_id AND cm.user_id = ?", userID).
		Where("m.chat_id = ?", chatID).
		Where(unreadMessagesClause("m", "c", "cm")).
		Order("m.id ASC").
		Pluck("m.id", &ids).Error
	if err != nil || len(ids) == 0 {
		return 0, err
	}

	reads := make([]models.MessageRead, len(ids))
	for i, id := range ids {
		reads[i] = models.MessageRead{MessageID: id, UserID: userID, ReadAt: at}
	}
	res := db.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&reads, readInsertBatchSize)
	return res.RowsAffected, res.Error
}
