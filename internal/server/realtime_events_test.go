package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientFrame(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		chatID  uint
		wantErr bool
	}{
		{name: "payload chatId", raw: `{"type":"join_chat","payload":{"chatId":7}}`, chatID: 7},
		{name: "top-level chatId", raw: `{"type":"join_chat","chatId":8}`, chatID: 8},
		{name: "payload wins over top level", raw: `{"type":"join_chat","chatId":8,"payload":{"chatId":9}}`, chatID: 9},
		{name: "bare number payload", raw: `{"type":"join_chat","payload":10}`, chatID: 10},
		{name: "quoted payload", raw: `{"type":"join_chat","payload":"11"}`, chatID: 11},
		{name: "no chat", raw: `{"type":"join_chat","payload":null}`, wantErr: true},
		{name: "negative", raw: `{"type":"join_chat","chatId":-3}`, wantErr: true},
		{name: "fractional", raw: `{"type":"join_chat","chatId":1.5}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := parseClientFrame([]byte(tt.raw))
			require.NoError(t, err)
			id, err := frame.chatID()
			if tt.wantErr {
				assert.ErrorIs(t, err, errMissingChatID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.chatID, id)
		})
	}
}

func TestParseClientFrame_Payload(t *testing.T) {
	frame, err := parseClientFrame([]byte(`{"type":"send_message","payload":{"chatId":3,"text":"hi","attachment":{"url":"https://files.test/x.png","type":"image/png"}}}`))
	require.NoError(t, err)

	p := frame.payload()
	assert.Equal(t, "hi", p.Text)
	require.NotNil(t, p.Attachment)
	assert.Equal(t, "https://files.test/x.png", p.Attachment.URL)
}

func TestParseClientFrame_Rejects(t *testing.T) {
	for _, raw := range []string{``, `[]`, `{"payload":{}}`, `{"type":""}`} {
		_, err := parseClientFrame([]byte(raw))
		assert.Error(t, err, raw)
	}
}
