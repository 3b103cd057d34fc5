package service

import (
	"time"

	"officechat/internal/models"
	"officechat/internal/repository"
)

// Paging limits for message history.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 100
	MaxMessageLength = 10000
)

// Reasons carried by chat_updated events.
const (
	ReasonCreated       = "created"
	ReasonMembersAdded  = "members_added"
	ReasonMemberRemoved = "member_removed"
	ReasonAdminUpdated  = "admin_update"
	ReasonMemberLeft    = "member_left"
	ReasonChatDeleted   = "chat_deleted"
)

// MemberSummary is one member as shown in chat lists and chat_updated events.
type MemberSummary struct {
	ID      uint   `json:"id"`
	Name    string `json:"name"`
	Avatar  string `json:"avatar"`
	IsAdmin bool   `json:"isAdmin"`
	Online  bool   `json:"online"`
}

// ChatSummary is a chat list row for one viewer.
type ChatSummary struct {
	ID              uint            `json:"id"`
	Name            string          `json:"name"`
	Type            models.ChatType `json:"type"`
	LastMessage     *string         `json:"lastMessage"`
	LastMessageTime *time.Time      `json:"lastMessageTime"`
	Unread          int64           `json:"unread"`
	Members         []MemberSummary `json:"members"`
	Admins          []uint          `json:"admins"`
}

// Attachment references an uploaded blob.
type Attachment struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

// MessageView is a message as seen by one viewer. IsMe and IsRead are
// relative to that viewer.
type MessageView struct {
	ID           uint        `json:"id"`
	ChatID       uint        `json:"chatId"`
	SenderID     *uint       `json:"senderId"`
	Text         string      `json:"text"`
	Time         time.Time   `json:"time"`
	IsMe         bool        `json:"isMe"`
	IsSystem     bool        `json:"isSystem"`
	Attachment   *Attachment `json:"attachment,omitempty"`
	IsRead       bool        `json:"isRead"`
	SenderName   string      `json:"senderName"`
	SenderAvatar string      `json:"senderAvatar"`
	ReadBy       []uint      `json:"readBy,omitempty"`
}

// MessagePage is one page of history, oldest first. NextCursor is passed
// back as cursor to fetch older messages; nil means there are none.
type MessagePage struct {
	Messages   []MessageView `json:"messages"`
	NextCursor *uint         `json:"nextCursor"`
}

// ChatUpdate is the chat_updated event payload.
type ChatUpdate struct {
	ChatID  uint            `json:"chatId"`
	Name    string          `json:"name"`
	Type    models.ChatType `json:"type"`
	Admins  []uint          `json:"admins"`
	Members []MemberSummary `json:"members"`
	Reason  string          `json:"reason"`
}

// MembershipResult is returned by mutations that may delete the chat. Chat
// is nil when the chat was deleted or the caller is no longer a member.
type MembershipResult struct {
	Chat    *ChatSummary
	Deleted bool
}

// normalizeLimit clamps a requested page size into [1, MaxPageLimit].
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageLimit
	case limit > MaxPageLimit:
		return MaxPageLimit
	default:
		return limit
	}
}

// buildChatSummaries maps repository rows into the API shape for viewerID.
func buildChatSummaries(rows []repository.ChatListRow, members map[uint][]repository.MemberRow, viewerID uint, online func(uint) bool) []ChatSummary {
	out := make([]ChatSummary, 0, len(rows))
	for _, row := range rows {
		summary := ChatSummary{
			ID:              row.ChatID,
			Name:            row.Name,
			Type:            row.Type,
			LastMessage:     row.LastMessage,
			LastMessageTime: row.LastMessageTime,
			Unread:          row.Unread,
		}
		summary.Members, summary.Admins = memberSummaries(members[row.ChatID], online)
		if row.Type == models.ChatTypeDirect {
			summary.Name = counterpartName(summary.Members, viewerID)
		}
		out = append(out, summary)
	}
	return out
}

func memberSummaries(rows []repository.MemberRow, online func(uint) bool) ([]MemberSummary, []uint) {
	members := make([]MemberSummary, 0, len(rows))
	admins := make([]uint, 0)
	for _, m := range rows {
		members = append(members, MemberSummary{
			ID:      m.UserID,
			Name:    m.Name,
			Avatar:  m.Avatar,
			IsAdmin: m.IsAdmin,
			Online:  online(m.UserID),
		})
		if m.IsAdmin {
			admins = append(admins, m.UserID)
		}
	}
	return members, admins
}

func counterpartName(members []MemberSummary, viewerID uint) string {
	for _, m := range members {
		if m.ID != viewerID {
			return m.Name
		}
	}
	return ""
}

// messageView shapes msg for viewerID. In direct chats the stored is_read
// flag answers for both sides; elsewhere a sent message counts as read once
// any other member read it, and a received one once the viewer did.
func messageView(chatType models.ChatType, msg models.Message, viewerID uint, users map[uint]models.User) MessageView {
	view := MessageView{
		ID:       msg.ID,
		ChatID:   msg.ChatID,
		SenderID: msg.SenderID,
		Text:     msg.Content,
		Time:     msg.CreatedAt,
		IsMe:     msg.SentBy(viewerID),
		IsSystem: msg.IsSystem(),
	}
	if msg.AttachmentURL != nil && *msg.AttachmentURL != "" {
		att := &Attachment{URL: *msg.AttachmentURL}
		if msg.AttachmentType != nil {
			att.Type = *msg.AttachmentType
		}
		view.Attachment = att
	}
	if msg.SenderID != nil {
		if u, ok := users[*msg.SenderID]; ok {
			view.SenderName = u.Name
			view.SenderAvatar = u.Avatar
		}
	}

	switch {
	case chatType == models.ChatTypeDirect:
		view.IsRead = msg.IsRead
	case view.IsMe:
		for _, reader := range msg.ReadBy {
			if reader != viewerID {
				view.IsRead = true
				break
			}
		}
		view.ReadBy = msg.ReadBy
	default:
		view.IsRead = msg.ReadByUser(viewerID)
	}
	return view
}
