package seed

import (
	"context"
	"testing"

	"officechat/internal/models"
	"officechat/internal/repository"
	"officechat/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

func seedOpts(users, perChat int) Options {
	return Options{
		NumUsers:        users,
		MessagesPerChat: perChat,
		SkipBcrypt:      true,
		RandomSeed:      7,
		Now:             testutil.At(3600),
	}
}

func countRows(t *testing.T, db *gorm.DB, model any, query string, args ...any) int64 {
	t.Helper()
	var n int64
	q := db.Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}

func TestSeed(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	ctx := context.Background()

	res, err := Seed(ctx, db, seedOpts(8, 4))
	require.NoError(t, err)

	require.Len(t, res.Users, 8)
	assert.Equal(t, "alex@office.local", res.Users[0].Email)
	assert.Equal(t, "Blair Chen", res.Users[1].Name)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(res.Users[0].Password), []byte(DemoPassword)))
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(res.Users[7].Password), []byte(DemoPassword)))
	assert.Equal(t, 12, res.Messages)

	repo := repository.NewChatRepository(db)

	directID, err := repo.FindDirectChat(ctx, res.Users[1].ID, res.Users[0].ID)
	require.NoError(t, err)
	assert.Equal(t, res.Direct.ID, directID)

	assert.EqualValues(t, 2, countRows(t, db, &models.ChatMember{}, "chat_id = ?", res.Direct.ID))
	assert.EqualValues(t, maxGroupSize, countRows(t, db, &models.ChatMember{}, "chat_id = ?", res.Group.ID))
	assert.EqualValues(t, 8, countRows(t, db, &models.ChatMember{}, "chat_id = ?", res.Space.ID))
	assert.EqualValues(t, 4, countRows(t, db, &models.Message{}, "chat_id = ?", res.Group.ID))

	admin, err := repo.GetMembership(ctx, res.Group.ID, res.Users[0].ID)
	require.NoError(t, err)
	assert.True(t, admin.IsAdmin)
	member, err := repo.GetMembership(ctx, res.Group.ID, res.Users[1].ID)
	require.NoError(t, err)
	assert.False(t, member.IsAdmin)

	rows, err := repo.ListChatsForUser(ctx, res.Users[0].ID)
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	space, err := repo.GetChatRowForUser(ctx, res.Space.ID, res.Users[0].ID)
	require.NoError(t, err)
	assert.Zero(t, space.Unread)

	assert.Zero(t, countRows(t, db, &models.Message{}, "created_at >= ?", testutil.At(3600)),
		"history ends before Now")
}

func TestSeed_RerunKeepsBaseUsers(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	ctx := context.Background()

	_, err := Seed(ctx, db, seedOpts(3, 1))
	require.NoError(t, err)
	res, err := Seed(ctx, db, seedOpts(3, 1))
	require.NoError(t, err)

	assert.EqualValues(t, 3, countRows(t, db, &models.User{}, ""))
	assert.EqualValues(t, 1, countRows(t, db, &models.DirectChatPair{}, ""), "direct chat is reused")
	assert.EqualValues(t, 5, countRows(t, db, &models.Chat{}, ""))
	assert.Len(t, res.Users, 3)
}

func TestSeed_Clean(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	ctx := context.Background()

	_, err := Seed(ctx, db, seedOpts(6, 3))
	require.NoError(t, err)

	opts := seedOpts(2, 2)
	opts.ShouldClean = true
	res, err := Seed(ctx, db, opts)
	require.NoError(t, err)

	assert.EqualValues(t, 2, countRows(t, db, &models.User{}, ""))
	assert.EqualValues(t, 3, countRows(t, db, &models.Chat{}, ""))
	assert.EqualValues(t, 6, countRows(t, db, &models.Message{}, ""))
	assert.EqualValues(t, 2, countRows(t, db, &models.ChatMember{}, "chat_id = ?", res.Group.ID))
}

func TestSeed_RejectsBadOptions(t *testing.T) {
	db := testutil.NewSQLiteDB(t)

	_, err := Seed(context.Background(), db, seedOpts(1, 1))
	assert.Error(t, err)

	_, err = Seed(context.Background(), db, seedOpts(3, -1))
	assert.Error(t, err)

	assert.Zero(t, countRows(t, db, &models.User{}, ""))
}
