// Package seed provides helpers to create demo data for the chat database.
// These helpers are intended for development and testing only.
package seed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"officechat/internal/models"
	"officechat/internal/repository"

	"github.com/brianvoe/gofakeit/v6"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// DemoPassword is the password every seeded user gets.
const DemoPassword = "password123"

// Factory builds directory users, chats and messages and persists them.
type Factory struct {
	db       *gorm.DB
	chats    repository.ChatRepository
	faker    *gofakeit.Faker
	password string
}

// NewFactory creates a Factory bound to db. The password hash is computed
// once; SkipBcrypt drops the cost to the minimum for fast local runs.
func NewFactory(db *gorm.DB, opts Options) (*Factory, error) {
	seed := opts.RandomSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	cost := bcrypt.DefaultCost
	if opts.SkipBcrypt {
		cost = bcrypt.MinCost
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(DemoPassword), cost)
	if err != nil {
		return nil, fmt.Errorf("hash demo password: %w", err)
	}

	return &Factory{
		db:       db,
		chats:    repository.NewChatRepository(db),
		faker:    gofakeit.New(seed),
		password: string(hashed),
	}, nil
}

// CreateUser persists a fake directory user. Overrides run before the insert.
func (f *Factory) CreateUser(ctx context.Context, overrides ...func(*models.User)) (*models.User, error) {
	first, last := f.faker.FirstName(), f.faker.LastName()
	user := &models.User{
		Name:     first + " " + last,
		Email:    fmt.Sprintf("%s.%s.%s@office.local", strings.ToLower(first), strings.ToLower(last), f.faker.UUID()[:8]),
		Password: f.password,
		Avatar:   fmt.Sprintf("https://i.pravatar.cc/150?u=%s", f.faker.UUID()),
	}
	for _, override := range overrides {
		override(user)
	}

	if err := f.db.WithContext(ctx).Create(user).Error; err != nil {
		return nil, err
	}
	return user, nil
}

// EnsureUser returns the user with email, creating it when it does not exist.
func (f *Factory) EnsureUser(ctx context.Context, name, email string) (*models.User, error) {
	user := &models.User{}
	err := f.db.WithContext(ctx).
		Where(models.User{Email: email}).
		Attrs(models.User{
			Name:     name,
			Password: f.password,
			Avatar:   fmt.Sprintf("https://i.pravatar.cc/150?u=%s", email),
		}).
		FirstOrCreate(user).Error
	if err != nil {
		return nil, err
	}
	return user, nil
}

// CreateDirectChat creates the direct chat between a and b together with its
// pair row, or returns the existing one.
func (f *Factory) CreateDirectChat(ctx context.Context, a, b *models.User, at time.Time) (*models.Chat, error) {
	var chat *models.Chat
	err := f.chats.Transaction(ctx, func(tx repository.ChatRepository) error {
		existing, err := tx.FindDirectChat(ctx, a.ID, b.ID)
		switch {
		case err == nil:
			chat, err = tx.GetChat(ctx, existing)
			return err
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		chat = &models.Chat{Type: models.ChatTypeDirect, CreatedAt: at}
		members := []models.ChatMember{
			{UserID: a.ID, JoinedAt: at},
			{UserID: b.ID, JoinedAt: at},
		}
		if err := tx.CreateChat(ctx, chat, members); err != nil {
			return err
		}
		return tx.CreateDirectPair(ctx, models.NewDirectChatPair(a.ID, b.ID, chat.ID))
	})
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// CreateChat creates a group or space chat. admin becomes its first admin;
// members are deduplicated against admin.
func (f *Factory) CreateChat(ctx context.Context, chatType models.ChatType, name string, admin *models.User, members []models.User, at time.Time) (*models.Chat, error) {
	if chatType == models.ChatTypeDirect {
		return nil, fmt.Errorf("use CreateDirectChat for direct chats")
	}

	rows := []models.ChatMember{{UserID: admin.ID, IsAdmin: true, JoinedAt: at}}
	seen := map[uint]bool{admin.ID: true}
	for _, m := range members {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		rows = append(rows, models.ChatMember{UserID: m.ID, JoinedAt: at})
	}

	chat := &models.Chat{Name: name, Type: chatType, CreatedAt: at}
	if err := f.chats.CreateChat(ctx, chat, rows); err != nil {
		return nil, err
	}
	chat.Members = rows
	return chat, nil
}

// CreateMessage writes a message from sender into chat at the given time.
// The sender has always read their own message.
func (f *Factory) CreateMessage(ctx context.Context, chat *models.Chat, sender *models.User, at time.Time) (*models.Message, error) {
	senderID := sender.ID
	msg := &models.Message{
		ChatID:     chat.ID,
		SenderID:   &senderID,
		SenderType: models.SenderTypeUser,
		Content:    f.faker.Sentence(f.faker.Number(3, 12)),
		CreatedAt:  at,
	}

	var readers []uint
	if chat.Type != models.ChatTypeDirect {
		readers = []uint{sender.ID}
	}
	if err := f.chats.CreateMessage(ctx, msg, readers); err != nil {
		return nil, err
	}
	return msg, nil
}
