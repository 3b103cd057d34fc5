package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVisible(t *testing.T) {
	joined := time.Date(2024, 1, 1, 12, 0, 3, 0, time.UTC)
	before := joined.Add(-2 * time.Second)
	after := joined.Add(2 * time.Second)

	tests := []struct {
		name     string
		chatType ChatType
		created  time.Time
		want     bool
	}{
		{"group hides earlier messages", ChatTypeGroup, before, false},
		{"group shows messages at join time", ChatTypeGroup, joined, true},
		{"group shows later messages", ChatTypeGroup, after, true},
		{"direct shows full history", ChatTypeDirect, before, true},
		{"space shows full history", ChatTypeSpace, before, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Visible(tt.chatType, joined, tt.created))
		})
	}
}

func TestChatTypeValid(t *testing.T) {
	assert.True(t, ChatTypeDirect.Valid())
	assert.True(t, ChatTypeGroup.Valid())
	assert.True(t, ChatTypeSpace.Valid())
	assert.False(t, ChatType("channel").Valid())
	assert.False(t, ChatType("").Valid())
}

func TestMessageHelpers(t *testing.T) {
	sender := uint(7)
	msg := Message{SenderID: &sender, SenderType: SenderTypeUser, ReadBy: []uint{3, 9}}

	assert.True(t, msg.SentBy(7))
	assert.False(t, msg.SentBy(3))
	assert.True(t, msg.ReadByUser(9))
	assert.False(t, msg.ReadByUser(7))
	assert.False(t, msg.IsSystem())

	system := Message{SenderType: SenderTypeSystem}
	assert.True(t, system.IsSystem())
	assert.False(t, system.SentBy(7))
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, CodeForbidden, ErrorCode(NewForbiddenError("nope")))
	assert.Equal(t, CodeNotFound, ErrorCode(NewNotFoundError("Chat", 4)))
	assert.Equal(t, "", ErrorCode(assert.AnError))
}
