// Command seed fills the database with demo users and chats.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"officechat/internal/bootstrap"
	"officechat/internal/config"
	"officechat/internal/middleware"
	"officechat/internal/seed"
)

func main() {
	numUsers := flag.Int("users", 25, "Number of directory users to create")
	perChat := flag.Int("messages", 20, "Messages per seeded chat")
	shouldClean := flag.Bool("clean", true, "Clean database before seeding")
	fast := flag.Bool("fast", false, "Hash passwords at minimum bcrypt cost")
	randomSeed := flag.Int64("seed", 0, "Random seed for names and texts (0 uses the clock)")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	middleware.InitLogger(cfg.Env)
	log := middleware.Logger

	if cfg.IsProduction() {
		log.Error("refusing to seed a production database")
		os.Exit(1)
	}

	ctx := context.Background()
	db, _, err := bootstrap.InitRuntime(ctx, cfg, bootstrap.Options{})
	if err != nil {
		log.Error("failed to initialize runtime", slog.String("error", err.Error()))
		os.Exit(1)
	}

	res, err := seed.Seed(ctx, db, seed.Options{
		NumUsers:        *numUsers,
		MessagesPerChat: *perChat,
		ShouldClean:     *shouldClean,
		SkipBcrypt:      *fast,
		RandomSeed:      *randomSeed,
	})
	if err != nil {
		log.Error("seeding failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log.Info("database populated",
		slog.Int("users", len(res.Users)),
		slog.Uint64("direct_chat", uint64(res.Direct.ID)),
		slog.Uint64("group_chat", uint64(res.Group.ID)),
		slog.Uint64("space_chat", uint64(res.Space.ID)),
		slog.Int("messages", res.Messages),
		slog.String("password", seed.DemoPassword))
}
