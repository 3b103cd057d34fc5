// Package models contains data structures for the chat domain.
package models

import (
	"time"
)

// ChatType distinguishes one-to-one chats from named multi-member chats.
type ChatType string

const (
	ChatTypeDirect ChatType = "direct"
	ChatTypeGroup  ChatType = "group"
	ChatTypeSpace  ChatType = "space"
)

// Valid reports whether t is a known chat type.
func (t ChatType) Valid() bool {
	switch t {
	case ChatTypeDirect, ChatTypeGroup, ChatTypeSpace:
		return true
	}
	return false
}

// HasJoinCutoff reports whether members only see messages created after they joined.
// Only group chats hide earlier history; direct and space chats keep continuity.
func (t ChatType) HasJoinCutoff() bool {
	return t == ChatTypeGroup
}

// SenderType marks whether a message was written by a person or by the system.
type SenderType string

const (
	SenderTypeUser   SenderType = "user"
	SenderTypeSystem SenderType = "system"
)

// Chat is a direct, group or space conversation.
type Chat struct {
	ID        uint         `gorm:"primaryKey" json:"id"`
	Name      string       `gorm:"size:255" json:"name"`
	Type      ChatType     `gorm:"size:16;not null;index" json:"type"`
	CreatedAt time.Time    `json:"created_at"`
	Members   []ChatMember `gorm:"foreignKey:ChatID;constraint:OnDelete:CASCADE" json:"members,omitempty"`
}

// ChatMember is a persisted membership row. JoinedAt is the history
// visibility pivot for group chats.
type ChatMember struct {
	ChatID   uint      `gorm:"primaryKey;autoIncrement:false" json:"chat_id"`
	UserID   uint      `gorm:"primaryKey;autoIncrement:false;index" json:"user_id"`
	IsAdmin  bool      `gorm:"not null;default:false" json:"is_admin"`
	JoinedAt time.Time `gorm:"not null" json:"joined_at"`
}

// TableName pins the table name used by raw queries.
func (ChatMember) TableName() string {
	return "chat_members"
}

// Message is immutable after insert apart from its read state.
type Message struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	ChatID         uint       `gorm:"not null;index:idx_messages_chat_created,priority:1" json:"chat_id"`
	SenderID       *uint      `gorm:"index" json:"sender_id"`
	SenderType     SenderType `gorm:"size:16;not null;default:user" json:"sender_type"`
	Content        string     `gorm:"type:text;not null" json:"content"`
	AttachmentURL  *string    `gorm:"type:text" json:"attachment_url,omitempty"`
	AttachmentType *string    `gorm:"size:64" json:"attachment_type,omitempty"`
	IsRead         bool       `gorm:"not null;default:false" json:"is_read"`
	CreatedAt      time.Time  `gorm:"not null;index:idx_messages_chat_created,priority:2" json:"created_at"`

	// ReadBy is loaded from message_reads; it is never written through this struct.
	ReadBy []uint `gorm:"-" json:"read_by"`
}

// IsSystem reports whether the message was generated by the server.
func (m *Message) IsSystem() bool {
	return m.SenderType == SenderTypeSystem || m.SenderID == nil
}

// SentBy reports whether userID authored the message.
func (m *Message) SentBy(userID uint) bool {
	return m.SenderID != nil && *m.SenderID == userID
}

// ReadByUser reports whether userID is in the message's read set.
func (m *Message) ReadByUser(userID uint) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// MessageRead is one element of a message's read_by set.
type MessageRead struct {
	MessageID uint      `gorm:"primaryKey;autoIncrement:false" json:"message_id"`
	UserID    uint      `gorm:"primaryKey;autoIncrement:false;index" json:"user_id"`
	ReadAt    time.Time `gorm:"not null" json:"read_at"`
}

// TableName pins the table name used by raw queries.
func (MessageRead) TableName() string {
	return "message_reads"
}

// Visible reports whether a message created at createdAt is visible to a
// member of a chatType chat who joined at joinedAt. It mirrors the SQL
// predicate used by the repository read paths.
func Visible(chatType ChatType, joinedAt, createdAt time.Time) bool {
	if !chatType.HasJoinCutoff() {
		return true
	}
	return !createdAt.Before(joinedAt)
}

// DirectChatPair maps an unordered user pair to its single direct chat.
// LowUserID is always the smaller ID.
type DirectChatPair struct {
	LowUserID  uint `gorm:"primaryKey;autoIncrement:false"`
	HighUserID uint `gorm:"primaryKey;autoIncrement:false"`
	ChatID     uint `gorm:"not null;uniqueIndex"`
}

// TableName pins the table name used by raw queries.
func (DirectChatPair) TableName() string {
	return "direct_chat_pairs"
}

// NewDirectChatPair orders a and b so the pair key is symmetric.
func NewDirectChatPair(a, b, chatID uint) DirectChatPair {
	if a > b {
		a, b = b, a
	}
	return DirectChatPair{LowUserID: a, HighUserID: b, ChatID: chatID}
}
