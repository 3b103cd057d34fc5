package server

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"

	"officechat/internal/models"
	"officechat/internal/service"
	"officechat/internal/storage"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (ts *testServer) createGroup(t *testing.T, creator int, members ...int) service.ChatSummary {
	t.Helper()
	ids := make([]uint, 0, len(members))
	for _, m := range members {
		ids = append(ids, ts.users[m].ID)
	}
	var chat service.ChatSummary
	status := ts.do(t, creator, http.MethodPost, "/api/chats", CreateChatRequest{
		Name:    "Design",
		Type:    models.ChatTypeGroup,
		Members: ids,
	}, &chat)
	require.Equal(t, http.StatusCreated, status)
	return chat
}

func TestChatRoutesRequireAuth(t *testing.T) {
	ts := newTestServer(t)
	var body models.ErrorResponse
	status := ts.do(t, -1, http.MethodGet, "/api/chats", nil, &body)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, models.CodeUnauthorized, body.Code)
}

func TestCreateDirectChat(t *testing.T) {
	ts := newTestServer(t)
	target := CreateDirectRequest{TargetUserID: ts.users[1].ID}

	var first, second map[string]uint
	assert.Equal(t, http.StatusCreated, ts.do(t, 0, http.MethodPost, "/api/chats/direct", target, &first))
	assert.Equal(t, http.StatusOK, ts.do(t, 1, http.MethodPost, "/api/chats/direct",
		CreateDirectRequest{TargetUserID: ts.users[0].ID}, &second))
	assert.NotZero(t, first["chatId"])
	assert.Equal(t, first["chatId"], second["chatId"])

	var chats []service.ChatSummary
	require.Equal(t, http.StatusOK, ts.do(t, 0, http.MethodGet, "/api/chats", nil, &chats))
	require.Len(t, chats, 1)
	assert.Equal(t, models.ChatTypeDirect, chats[0].Type)
	assert.Equal(t, "Ben", chats[0].Name)

	t.Run("self", func(t *testing.T) {
		var body models.ErrorResponse
		status := ts.do(t, 0, http.MethodPost, "/api/chats/direct", CreateDirectRequest{TargetUserID: ts.users[0].ID}, &body)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, models.CodeValidation, body.Code)
	})
	t.Run("unknown user", func(t *testing.T) {
		status := ts.do(t, 0, http.MethodPost, "/api/chats/direct", CreateDirectRequest{TargetUserID: 9999}, nil)
		assert.Equal(t, http.StatusNotFound, status)
	})
	t.Run("missing target", func(t *testing.T) {
		status := ts.do(t, 0, http.MethodPost, "/api/chats/direct", map[string]any{}, nil)
		assert.Equal(t, http.StatusBadRequest, status)
	})
}

func TestCreateChat(t *testing.T) {
	ts := newTestServer(t)
	chat := ts.createGroup(t, 0, 1, 2)

	assert.Equal(t, "Design", chat.Name)
	assert.Equal(t, models.ChatTypeGroup, chat.Type)
	assert.Len(t, chat.Members, 3)
	assert.Equal(t, []uint{ts.users[0].ID}, chat.Admins)

	t.Run("invalid type", func(t *testing.T) {
		status := ts.do(t, 0, http.MethodPost, "/api/chats", CreateChatRequest{Name: "X", Type: "direct"}, nil)
		assert.Equal(t, http.StatusBadRequest, status)
	})
	t.Run("missing name", func(t *testing.T) {
		status := ts.do(t, 0, http.MethodPost, "/api/chats", CreateChatRequest{Type: models.ChatTypeSpace}, nil)
		assert.Equal(t, http.StatusBadRequest, status)
	})
}

func TestGetChat(t *testing.T) {
	ts := newTestServer(t)
	chat := ts.createGroup(t, 0, 1)

	var got service.ChatSummary
	require.Equal(t, http.StatusOK, ts.do(t, 1, http.MethodGet, fmt.Sprintf("/api/chats/%d", chat.ID), nil, &got))
	assert.Equal(t, chat.ID, got.ID)

	// Non-members cannot tell the chat exists.
	assert.Equal(t, http.StatusNotFound, ts.do(t, 2, http.MethodGet, fmt.Sprintf("/api/chats/%d", chat.ID), nil, nil))

	var body models.ErrorResponse
	assert.Equal(t, http.StatusBadRequest, ts.do(t, 0, http.MethodGet, "/api/chats/abc", nil, &body))
	assert.Equal(t, "Invalid ID", body.Error)
}

func TestSendAndListMessages(t *testing.T) {
	ts := newTestServer(t)
	chat := ts.createGroup(t, 0, 1)
	path := fmt.Sprintf("/api/chats/%d/messages", chat.ID)

	for i := 1; i <= 3; i++ {
		var msg service.MessageView
		status := ts.do(t, 1, http.MethodPost, path, SendMessageRequest{Text: fmt.Sprintf("hello %d", i)}, &msg)
		require.Equal(t, http.StatusCreated, status)
		assert.True(t, msg.IsMe)
		assert.Equal(t, chat.ID, msg.ChatID)
	}

	var page service.MessagePage
	require.Equal(t, http.StatusOK, ts.do(t, 0, http.MethodGet, path+"?limit=2", nil, &page))
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "hello 2", page.Messages[0].Text)
	assert.Equal(t, "hello 3", page.Messages[1].Text)
	assert.False(t, page.Messages[1].IsMe)
	assert.False(t, page.Messages[1].IsRead)
	require.NotNil(t, page.NextCursor)

	var older service.MessagePage
	require.Equal(t, http.StatusOK, ts.do(t, 0, http.MethodGet, fmt.Sprintf("%s?limit=2&cursor=%d", path, *page.NextCursor), nil, &older))
	var got []string
	for _, m := range older.Messages {
		if !m.IsSystem {
			got = append(got, m.Text)
		}
	}
	assert.Equal(t, []string{"hello 1"}, got)

	t.Run("empty message", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, ts.do(t, 1, http.MethodPost, path, SendMessageRequest{Text: "  "}, nil))
	})
	t.Run("non-member", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, ts.do(t, 2, http.MethodPost, path, SendMessageRequest{Text: "hi"}, nil))
		assert.Equal(t, http.StatusNotFound, ts.do(t, 2, http.MethodGet, path, nil, nil))
	})
	t.Run("with attachment", func(t *testing.T) {
		var msg service.MessageView
		status := ts.do(t, 0, http.MethodPost, path, SendMessageRequest{
			Attachment: &service.Attachment{URL: "https://files.test/a.png", Type: "image/png"},
		}, &msg)
		require.Equal(t, http.StatusCreated, status)
		require.NotNil(t, msg.Attachment)
		assert.Equal(t, "image/png", msg.Attachment.Type)
	})
}

func TestMarkReadEndpoint(t *testing.T) {
	ts := newTestServer(t)
	chat := ts.createGroup(t, 0, 1)
	path := fmt.Sprintf("/api/chats/%d", chat.ID)

	ts.do(t, 0, http.MethodPost, path+"/messages", SendMessageRequest{Text: "one"}, nil)
	ts.do(t, 0, http.MethodPost, path+"/messages", SendMessageRequest{Text: "two"}, nil)

	var res struct {
		Success bool  `json:"success"`
		Marked  int64 `json:"marked"`
	}
	require.Equal(t, http.StatusOK, ts.do(t, 1, http.MethodPost, path+"/read", nil, &res))
	assert.True(t, res.Success)
	assert.GreaterOrEqual(t, res.Marked, int64(2))

	require.Equal(t, http.StatusOK, ts.do(t, 1, http.MethodPost, path+"/read", nil, &res))
	assert.Zero(t, res.Marked)

	var got service.ChatSummary
	ts.do(t, 1, http.MethodGet, path, nil, &got)
	assert.Zero(t, got.Unread)
}

func TestMembershipEndpoints(t *testing.T) {
	ts := newTestServer(t)
	chat := ts.createGroup(t, 0, 1)
	path := fmt.Sprintf("/api/chats/%d", chat.ID)
	cat := ts.users[2].ID
	ben := ts.users[1].ID

	t.Run("non-admin cannot add", func(t *testing.T) {
		var body models.ErrorResponse
		status := ts.do(t, 1, http.MethodPost, path+"/members", MembersRequest{Members: []uint{cat}}, &body)
		assert.Equal(t, http.StatusForbidden, status)
		assert.Equal(t, models.CodeForbidden, body.Code)
	})

	t.Run("admin adds", func(t *testing.T) {
		var got service.ChatSummary
		require.Equal(t, http.StatusOK, ts.do(t, 0, http.MethodPost, path+"/members", MembersRequest{Members: []uint{cat}}, &got))
		assert.Len(t, got.Members, 3)
	})

	t.Run("promote", func(t *testing.T) {
		var got service.ChatSummary
		require.Equal(t, http.StatusOK, ts.do(t, 0, http.MethodPost, path+"/admins", PromoteRequest{MemberID: ben}, &got))
		assert.ElementsMatch(t, []uint{ts.users[0].ID, ben}, got.Admins)
		assert.Equal(t, http.StatusBadRequest, ts.do(t, 0, http.MethodPost, path+"/admins", PromoteRequest{}, nil))
	})

	t.Run("remove", func(t *testing.T) {
		var got service.ChatSummary
		require.Equal(t, http.StatusOK, ts.do(t, 1, http.MethodDelete, fmt.Sprintf("%s/members/%d", path, cat), nil, &got))
		assert.Len(t, got.Members, 2)
		assert.Equal(t, http.StatusNotFound, ts.do(t, 2, http.MethodGet, path, nil, nil))
		assert.Equal(t, http.StatusBadRequest, ts.do(t, 1, http.MethodDelete, path+"/members/zero", nil, nil))
	})

	t.Run("leave", func(t *testing.T) {
		var left map[string]any
		require.Equal(t, http.StatusOK, ts.do(t, 1, http.MethodPost, path+"/leave", nil, &left))
		assert.Equal(t, true, left["success"])

		var last map[string]any
		require.Equal(t, http.StatusOK, ts.do(t, 0, http.MethodPost, path+"/leave", nil, &last))
		assert.Equal(t, true, last["success"])

		assert.Equal(t, http.StatusNotFound, ts.do(t, 0, http.MethodGet, path, nil, nil))
	})
}

func TestLeaveDirectChatRejected(t *testing.T) {
	ts := newTestServer(t)
	var created map[string]uint
	ts.do(t, 0, http.MethodPost, "/api/chats/direct", CreateDirectRequest{TargetUserID: ts.users[1].ID}, &created)

	status := ts.do(t, 0, http.MethodPost, fmt.Sprintf("/api/chats/%d/leave", created["chatId"]), nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestGetOnlineUsers(t *testing.T) {
	ts := newTestServer(t)
	var online []uint
	require.Equal(t, http.StatusOK, ts.do(t, 0, http.MethodGet, "/api/users/online", nil, &online))
	assert.Empty(t, online)

	_, err := ts.srv.chatHub.Register(ts.users[2].ID, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, ts.do(t, 0, http.MethodGet, "/api/users/online", nil, &online))
	assert.Equal(t, []uint{ts.users[2].ID}, online)
}

type presignStub struct{}

func (presignStub) BucketExists(context.Context, string) (bool, error) { return true, nil }
func (presignStub) MakeBucket(context.Context, string, minio.MakeBucketOptions) error {
	return nil
}
func (presignStub) PresignedPutObject(_ context.Context, bucket, key string, _ time.Duration) (*url.URL, error) {
	return url.Parse("https://minio.test/" + bucket + "/" + key + "?X-Amz-Signature=sig")
}

func TestPresignAttachment(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		ts := newTestServer(t)
		chat := ts.createGroup(t, 0, 1)
		status := ts.do(t, 0, http.MethodPost, fmt.Sprintf("/api/chats/%d/attachments", chat.ID),
			AttachmentRequest{Filename: "a.pdf"}, nil)
		assert.Equal(t, http.StatusServiceUnavailable, status)
	})

	t.Run("configured", func(t *testing.T) {
		attachments := storage.NewWithStore(storage.Config{
			Endpoint: "minio.test",
			Bucket:   "chat",
			UseSSL:   true,
		}, presignStub{})
		ts := newTestServer(t, WithAttachments(attachments))
		chat := ts.createGroup(t, 0, 1)
		path := fmt.Sprintf("/api/chats/%d/attachments", chat.ID)

		var upload storage.Upload
		status := ts.do(t, 1, http.MethodPost, path, AttachmentRequest{Filename: "Report.PDF"}, &upload)
		require.Equal(t, http.StatusOK, status)
		assert.Contains(t, upload.UploadURL, "X-Amz-Signature")
		assert.Regexp(t, fmt.Sprintf(`^https://minio\.test/chat/chats/%d/[0-9a-f-]+\.pdf$`, chat.ID), upload.AttachmentURL)
		assert.Equal(t, "application/pdf", upload.AttachmentType)

		assert.Equal(t, http.StatusNotFound, ts.do(t, 2, http.MethodPost, path, AttachmentRequest{Filename: "a.pdf"}, nil))
		assert.Equal(t, http.StatusBadRequest, ts.do(t, 1, http.MethodPost, path, AttachmentRequest{Filename: " "}, nil))
		assert.Equal(t, http.StatusBadRequest, ts.do(t, 1, http.MethodPost, path, AttachmentRequest{Filename: "../x.pdf"}, nil))
	})
}
