package notifications

import "encoding/json"

// Realtime event types. Client frames use the same envelope as server frames.
const (
	EventJoinChat       = "join_chat"
	EventLeaveChat      = "leave_chat"
	EventSendMessage    = "send_message"
	EventReceiveMessage = "receive_message"
	EventTyping         = "typing"
	EventStopTyping     = "stop_typing"
	EventMessagesRead   = "messages_read"
	EventChatUpdated    = "chat_updated"
	EventUserOnline     = "user_online"
	EventUserOffline    = "user_offline"
	EventOnlineUsers    = "online_users"
	EventError          = "error"
	EventMessagesDrop   = "messages_dropped"
)

// Event is the {"type","payload"} envelope of every websocket frame.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Encode marshals an event frame.
func Encode(eventType string, payload any) ([]byte, error) {
	return json.Marshal(Event{Type: eventType, Payload: payload})
}

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Message string `json:"message"`
}

// TypingPayload is relayed to the other occupants of a chat room.
type TypingPayload struct {
	ChatID uint `json:"chatId"`
	UserID uint `json:"userId"`
}

// ReadPayload announces that readerId has read chatId up to now.
type ReadPayload struct {
	ChatID   uint `json:"chatId"`
	ReaderID uint `json:"readerId"`
}
