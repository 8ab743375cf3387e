// Command lrrbot is the chat bot process. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres, runs idempotent migrations, and loads the shared
//     state store (games, stats, spam rules, canned responses).
//   - Connects to Twitch chat and runs the serial bot loop that handles
//     commands, spam detection, and subscriber notifications.
//   - Listens to the website's server-sent event stream and to the PubSub
//     moderator-action topic, relaying the latter to Slack.
//   - Keeps the stored OAuth token fresh and exposes a minimal HTTP server
//     with /healthz, /readyz, /status, /metrics, and the OAuth flow.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/danieljcrabtree/lrrbot/bot"
	"github.com/danieljcrabtree/lrrbot/chat"
	"github.com/danieljcrabtree/lrrbot/config"
	"github.com/danieljcrabtree/lrrbot/db"
	"github.com/danieljcrabtree/lrrbot/events"
	"github.com/danieljcrabtree/lrrbot/gcal"
	"github.com/danieljcrabtree/lrrbot/modactions"
	"github.com/danieljcrabtree/lrrbot/oauth"
	"github.com/danieljcrabtree/lrrbot/pubsub"
	"github.com/danieljcrabtree/lrrbot/server"
	"github.com/danieljcrabtree/lrrbot/slack"
	"github.com/danieljcrabtree/lrrbot/spam"
	"github.com/danieljcrabtree/lrrbot/storage"
	"github.com/danieljcrabtree/lrrbot/telemetry"
	"github.com/danieljcrabtree/lrrbot/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only).
	_ = godotenv.Load()

	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateChatReady(); err != nil {
		slog.Error("chat credentials missing", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("lrrbot", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	if err := db.Migrate(context.Background(), database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Load(ctx, database, logger)
	if err != nil {
		slog.Error("failed to load state store", slog.Any("err", err))
		os.Exit(1)
	}

	specs := make([]spam.RuleSpec, 0, len(store.Data.SpamRules))
	for _, r := range store.Data.SpamRules {
		specs = append(specs, spam.RuleSpec{Pattern: r.Pattern, Message: r.Message})
	}
	detector, err := spam.Compile(specs, logger)
	if err != nil {
		slog.Error("failed to compile spam rules", slog.Any("err", err))
		os.Exit(1)
	}

	helix := &twitchapi.HelixClient{
		AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret},
		ClientID:       cfg.TwitchClientID,
	}
	var channelID string
	{
		lookupCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
		channelID, err = helix.GetUserID(lookupCtx, cfg.Channel)
		cancel()
		if err != nil {
			slog.Warn("could not resolve channel id; live game lookups will fail until restart",
				slog.String("channel", cfg.Channel), slog.Any("err", err))
		}
	}

	listener := events.NewListener(cfg.SiteURL, cfg.APIPass, cfg.EventRetryDelay, logger)
	registry := events.NewRegistry(cfg.SiteURL, cfg.APIPass, logger)

	chatClient := chat.New(cfg, logger)

	opts := bot.Options{
		Config:    cfg,
		Store:     store,
		DB:        database,
		Detector:  detector,
		Helix:     helix,
		Registry:  registry,
		Events:    listener.Queue(),
		ChannelID: channelID,
		Say:       chatClient.Say,
		Log:       logger,
	}
	if cfg.GoogleAPIKey != "" && cfg.CalendarID != "" {
		cal, err := gcal.New(ctx, cfg.GoogleAPIKey, cfg.CalendarID)
		if err != nil {
			slog.Error("failed to build calendar client", slog.Any("err", err))
			os.Exit(1)
		}
		opts.Calendar = cal
	} else {
		slog.Info("calendar lookups disabled (missing GOOGLE_API_KEY or CALENDAR_ID)")
	}
	b := bot.New(opts)

	slackClient := slack.New(cfg.SlackWebhookURL, logger)
	notifier, err := modactions.New(ctx, database, cfg.BotUsername, cfg.Channel, slackClient, cfg.Timezone, logger)
	if err != nil {
		slog.Error("failed to build moderator action notifier", slog.Any("err", err))
		os.Exit(1)
	}

	oauth.StartRefresher(ctx, database, "twitch", 5*time.Minute, 15*time.Minute,
		func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
			res, err := twitchapi.RefreshToken(rctx, cfg.TwitchClientID, cfg.TwitchClientSecret, refreshToken)
			if err != nil {
				return "", "", time.Time{}, "", err
			}
			return res.AccessToken, res.RefreshToken, twitchapi.ComputeExpiry(res.ExpiresIn), strings.Join(res.Scope, " "), nil
		})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(gctx) })
	g.Go(func() error { return chatClient.Run(gctx, b.Enqueue) })
	g.Go(func() error { return listener.Run(gctx) })
	g.Go(func() error { return server.Start(gctx, cfg, database, b) })
	if notifier.Active() {
		ps := &pubsub.Client{
			RetryDelay: cfg.EventRetryDelay,
			Log:        logger,
			Token: func(tctx context.Context) (string, error) {
				// Prefer the refreshed token from the database, falling back
				// to the static env token.
				if access, _, _, _, err := db.GetOAuthToken(tctx, database, "twitch"); err == nil && access != "" {
					return access, nil
				}
				return strings.TrimPrefix(cfg.OAuthToken, "oauth:"), nil
			},
		}
		ps.Subscribe(notifier.Topic(), notifier.HandleMessage)
		g.Go(func() error { return ps.Run(gctx) })
	} else {
		slog.Info("moderator action notifier disabled (bot or channel not in users table)")
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		slog.Error("shutdown with error", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("shutting down")
}
