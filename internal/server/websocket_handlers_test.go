package server

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"officechat/internal/models"
	"officechat/internal/notifications"
	"officechat/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func drain(t *testing.T, c *notifications.Client) []wsFrame {
	t.Helper()
	var out []wsFrame
	for {
		select {
		case raw, ok := <-c.Send:
			if !ok {
				return out
			}
			var f wsFrame
			require.NoError(t, json.Unmarshal(raw, &f))
			out = append(out, f)
		default:
			return out
		}
	}
}

func ofType(frames []wsFrame, eventType string) []wsFrame {
	var out []wsFrame
	for _, f := range frames {
		if f.Type == eventType {
			out = append(out, f)
		}
	}
	return out
}

func errorText(t *testing.T, frames []wsFrame) string {
	t.Helper()
	errs := ofType(frames, notifications.EventError)
	require.Len(t, errs, 1)
	var p notifications.ErrorPayload
	require.NoError(t, json.Unmarshal(errs[0].Payload, &p))
	return p.Message
}

type wsEnv struct {
	*testServer
	chatID  uint
	clients []*notifications.Client
}

// newWSEnv creates a group of Ann and Ben (Cat is not a member) and one
// connection per user.
func newWSEnv(t *testing.T) *wsEnv {
	t.Helper()
	ts := newTestServer(t)
	chat, err := ts.srv.chatService.CreateGroup(context.Background(), service.CreateGroupInput{
		CreatorID: ts.users[0].ID,
		Name:      "Ops",
		Type:      models.ChatTypeGroup,
		MemberIDs: []uint{ts.users[1].ID},
	})
	require.NoError(t, err)

	env := &wsEnv{testServer: ts, chatID: chat.ID}
	for _, u := range ts.users {
		c, err := ts.srv.chatHub.Register(u.ID, nil)
		require.NoError(t, err)
		env.clients = append(env.clients, c)
	}
	env.drainAll(t)
	return env
}

func (e *wsEnv) drainAll(t *testing.T) {
	for _, c := range e.clients {
		drain(t, c)
	}
}

func (e *wsEnv) send(i int, frame string) {
	e.srv.handleChatFrame(e.clients[i], []byte(frame))
}

func TestHandleChatFrame_JoinChat(t *testing.T) {
	env := newWSEnv(t)

	forms := map[string]string{
		"payload object": `{"type":"join_chat","payload":{"chatId":%d}}`,
		"top level":      `{"type":"join_chat","chatId":%d}`,
		"bare payload":   `{"type":"join_chat","payload":%d}`,
		"string id":      `{"type":"join_chat","payload":{"chatId":"%d"}}`,
	}
	for name, form := range forms {
		t.Run(name, func(t *testing.T) {
			env.send(1, fmt.Sprintf(form, env.chatID))
			assert.Empty(t, ofType(drain(t, env.clients[1]), notifications.EventError))
			assert.Contains(t, env.srv.chatHub.RoomOccupants(env.chatID), env.users[1].ID)

			env.send(1, fmt.Sprintf(`{"type":"leave_chat","chatId":%d}`, env.chatID))
			assert.NotContains(t, env.srv.chatHub.RoomOccupants(env.chatID), env.users[1].ID)
		})
	}

	t.Run("non-member", func(t *testing.T) {
		env.send(2, fmt.Sprintf(`{"type":"join_chat","payload":{"chatId":%d}}`, env.chatID))
		assert.Equal(t, "Chat not found", errorText(t, drain(t, env.clients[2])))
		assert.NotContains(t, env.srv.chatHub.RoomOccupants(env.chatID), env.users[2].ID)
	})

	t.Run("missing chat id", func(t *testing.T) {
		env.send(0, `{"type":"join_chat","payload":{}}`)
		assert.Equal(t, "chatId is required", errorText(t, drain(t, env.clients[0])))
	})
}

func TestHandleChatFrame_Typing(t *testing.T) {
	env := newWSEnv(t)
	env.send(0, fmt.Sprintf(`{"type":"join_chat","chatId":%d}`, env.chatID))
	env.send(1, fmt.Sprintf(`{"type":"join_chat","chatId":%d}`, env.chatID))
	env.drainAll(t)

	env.send(0, fmt.Sprintf(`{"type":"typing","payload":{"chatId":%d}}`, env.chatID))

	typing := ofType(drain(t, env.clients[1]), notifications.EventTyping)
	require.Len(t, typing, 1)
	var p notifications.TypingPayload
	require.NoError(t, json.Unmarshal(typing[0].Payload, &p))
	assert.Equal(t, env.chatID, p.ChatID)
	assert.Equal(t, env.users[0].ID, p.UserID)

	assert.Empty(t, drain(t, env.clients[0]), "sender is excluded")

	env.send(0, fmt.Sprintf(`{"type":"stop_typing","chatId":%d}`, env.chatID))
	assert.Len(t, ofType(drain(t, env.clients[1]), notifications.EventStopTyping), 1)

	// Non-members cannot inject typing into the room.
	env.send(2, fmt.Sprintf(`{"type":"typing","chatId":%d}`, env.chatID))
	assert.Empty(t, drain(t, env.clients[1]))
}

func TestHandleChatFrame_SendMessage(t *testing.T) {
	env := newWSEnv(t)

	env.send(1, fmt.Sprintf(`{"type":"send_message","payload":{"chatId":%d,"text":"from the socket"}}`, env.chatID))

	received := ofType(drain(t, env.clients[0]), notifications.EventReceiveMessage)
	require.Len(t, received, 1)
	var view service.MessageView
	require.NoError(t, json.Unmarshal(received[0].Payload, &view))
	assert.Equal(t, "from the socket", view.Text)
	assert.Equal(t, env.chatID, view.ChatID)
	assert.False(t, view.IsMe)

	assert.Empty(t, drain(t, env.clients[2]), "non-members receive nothing")

	page, err := env.srv.chatService.ListMessages(context.Background(), env.chatID, env.users[0].ID, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, "from the socket", page.Messages[len(page.Messages)-1].Text)

	t.Run("empty text", func(t *testing.T) {
		env.drainAll(t)
		env.send(1, fmt.Sprintf(`{"type":"send_message","payload":{"chatId":%d,"text":"   "}}`, env.chatID))
		assert.Equal(t, "Message text or attachment is required", errorText(t, drain(t, env.clients[1])))
		assert.Empty(t, drain(t, env.clients[0]))
	})

	t.Run("non-member", func(t *testing.T) {
		env.send(2, fmt.Sprintf(`{"type":"send_message","chatId":%d,"payload":{"text":"hi"}}`, env.chatID))
		assert.Contains(t, errorText(t, drain(t, env.clients[2])), "not found")
	})
}

func TestHandleChatFrame_BadFrames(t *testing.T) {
	env := newWSEnv(t)

	env.send(0, `not json`)
	assert.Equal(t, "Invalid message format", errorText(t, drain(t, env.clients[0])))

	env.send(0, `{"payload":{}}`)
	assert.Equal(t, "Invalid message format", errorText(t, drain(t, env.clients[0])))

	env.send(0, `{"type":"dance"}`)
	assert.Equal(t, "Unknown event type: dance", errorText(t, drain(t, env.clients[0])))
}
