package seed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"officechat/internal/middleware"
	"officechat/internal/models"

	"gorm.io/gorm"
)

// Options configure the seeder.
type Options struct {
	NumUsers        int
	MessagesPerChat int
	ShouldClean     bool
	SkipBcrypt      bool
	// RandomSeed makes generated names and texts reproducible. Zero uses the clock.
	RandomSeed int64
	// Now anchors message timestamps; messages are spread over the hour before it.
	Now time.Time
}

// Result lists what a Seed run created.
type Result struct {
	Users    []models.User
	Direct   *models.Chat
	Group    *models.Chat
	Space    *models.Chat
	Messages int
}

// baseUsers always exist so demo logins are stable between runs.
var baseUsers = []struct{ name, email string }{
	{"Alex Morgan", "alex@office.local"},
	{"Blair Chen", "blair@office.local"},
	{"Casey Patel", "casey@office.local"},
}

const (
	groupName    = "Launch Crew"
	spaceName    = "All Hands"
	maxGroupSize = 5
	minSeedUsers = 2
	defaultUsers = 10
)

// Seed populates the database with directory users, one direct chat, one
// group chat and one space chat with some history.
func Seed(ctx context.Context, db *gorm.DB, opts Options) (*Result, error) {
	if opts.NumUsers == 0 {
		opts.NumUsers = defaultUsers
	}
	if opts.NumUsers < minSeedUsers {
		return nil, fmt.Errorf("need at least %d users, got %d", minSeedUsers, opts.NumUsers)
	}
	if opts.MessagesPerChat < 0 {
		return nil, fmt.Errorf("messages per chat must not be negative")
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now().UTC()
	}

	log := middleware.Logger
	log.Info("seeding database",
		slog.Int("users", opts.NumUsers),
		slog.Int("messages_per_chat", opts.MessagesPerChat))

	if opts.ShouldClean {
		if err := clearData(ctx, db); err != nil {
			return nil, fmt.Errorf("clear data: %w", err)
		}
	}

	factory, err := NewFactory(db, opts)
	if err != nil {
		return nil, err
	}

	users, err := createUsers(ctx, factory, opts.NumUsers)
	if err != nil {
		return nil, fmt.Errorf("create users: %w", err)
	}
	log.Info("users ready", slog.Int("count", len(users)))

	start := opts.Now.Add(-time.Hour)
	res := &Result{Users: users}

	res.Direct, err = factory.CreateDirectChat(ctx, &users[0], &users[1], start)
	if err != nil {
		return nil, fmt.Errorf("create direct chat: %w", err)
	}

	groupMembers := users[:min(len(users), maxGroupSize)]
	res.Group, err = factory.CreateChat(ctx, models.ChatTypeGroup, groupName, &users[0], groupMembers, start)
	if err != nil {
		return nil, fmt.Errorf("create group chat: %w", err)
	}

	res.Space, err = factory.CreateChat(ctx, models.ChatTypeSpace, spaceName, &users[0], users, start)
	if err != nil {
		return nil, fmt.Errorf("create space chat: %w", err)
	}

	chats := []struct {
		chat    *models.Chat
		members []models.User
	}{
		{res.Direct, users[:2]},
		{res.Group, groupMembers},
		{res.Space, users},
	}
	step := time.Hour / time.Duration(opts.MessagesPerChat+1)
	for _, c := range chats {
		for i := 0; i < opts.MessagesPerChat; i++ {
			sender := c.members[factory.faker.Number(0, len(c.members)-1)]
			at := start.Add(step * time.Duration(i+1))
			if _, err := factory.CreateMessage(ctx, c.chat, &sender, at); err != nil {
				return nil, fmt.Errorf("create message in chat %d: %w", c.chat.ID, err)
			}
			res.Messages++
		}
	}

	// The first user has caught up on the space so demo logins show a mix
	// of read and unread chats.
	if _, err := factory.chats.MarkRead(ctx, res.Space.ID, users[0].ID, opts.Now); err != nil {
		return nil, fmt.Errorf("mark space read: %w", err)
	}

	log.Info("seeding completed",
		slog.Int("users", len(res.Users)),
		slog.Int("messages", res.Messages))
	return res, nil
}

// clearData removes all chat data and directory users. Children go first so
// it works without cascading foreign keys.
func clearData(ctx context.Context, db *gorm.DB) error {
	middleware.Logger.Info("clearing existing data")
	tx := db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true})
	for _, model := range []any{
		&models.MessageRead{},
		&models.Message{},
		&models.DirectChatPair{},
		&models.ChatMember{},
		&models.Chat{},
		&models.User{},
	} {
		if err := tx.Delete(model).Error; err != nil {
			return err
		}
	}
	return nil
}

func createUsers(ctx context.Context, f *Factory, count int) ([]models.User, error) {
	users := make([]models.User, 0, count)
	for _, b := range baseUsers {
		if len(users) == count {
			break
		}
		u, err := f.EnsureUser(ctx, b.name, b.email)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}

	for len(users) < count {
		u, err := f.CreateUser(ctx)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, nil
}
