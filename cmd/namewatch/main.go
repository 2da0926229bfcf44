package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	migrations "github.com/oxaalab/psychic-telegram-bot/db"
	"github.com/oxaalab/psychic-telegram-bot/internal/announce"
	"github.com/oxaalab/psychic-telegram-bot/internal/chats"
	"github.com/oxaalab/psychic-telegram-bot/internal/config"
	"github.com/oxaalab/psychic-telegram-bot/internal/db"
	"github.com/oxaalab/psychic-telegram-bot/internal/detector"
	"github.com/oxaalab/psychic-telegram-bot/internal/guard"
	"github.com/oxaalab/psychic-telegram-bot/internal/handlers"
	"github.com/oxaalab/psychic-telegram-bot/internal/i18n"
	"github.com/oxaalab/psychic-telegram-bot/internal/logger"
	"github.com/oxaalab/psychic-telegram-bot/internal/scanner"
	"github.com/oxaalab/psychic-telegram-bot/internal/server"
	"github.com/oxaalab/psychic-telegram-bot/internal/snapshots"
	"github.com/oxaalab/psychic-telegram-bot/internal/telegram"
)

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		runMigrate(os.Args[2:])
		return
	}

	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBConn,
			provideBot,
			provideBundle,

			provideSnapshots,
			provideChats,
			provideGuard,
			provideTelegramClient,
			provideAnnouncer,
			provideScanner,
			provideDetector,
			providePump,

			provideServerHandler(provideHealthHandler),
			provideServerHandler(provideHistoryHandler),
			provideServer,
		),
		fx.Invoke(
			startPump,
			startScanner,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func runMigrate(args []string) {
	cfg, err := provideConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := provideLogger(cfg)

	command := "up"
	if len(args) > 0 {
		command = args[0]
		args = args[1:]
	}
	sub, err := fs.Sub(migrations.MigrationsFS, "migrations")
	if err != nil {
		log.Error("open migrations", slog.Any("error", err))
		os.Exit(1)
	}
	if err := db.RunMigrate(log, cfg.Postgres, sub, command, args); err != nil {
		log.Error("migrate failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	conn, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			conn.Close()
			return nil
		},
	})
	return conn, nil
}

func provideBot(cfg config.Config) (*tgbotapi.BotAPI, error) {
	if cfg.Telegram.BotToken == "" {
		return nil, fmt.Errorf("telegram bot token required in config.toml")
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return bot, nil
}

func provideBundle() (*i18n.Bundle, error) {
	return i18n.Load()
}

func provideSnapshots(log *slog.Logger, pool *pgxpool.Pool) *snapshots.Service {
	return snapshots.NewService(log, pool)
}

func provideChats(log *slog.Logger, pool *pgxpool.Pool, cfg config.Config) *chats.Service {
	return chats.NewService(log, pool, cfg.Telegram.DefaultLanguage)
}

func provideGuard(log *slog.Logger, chatService *chats.Service) *guard.Guard {
	return guard.New(log, chatService, 0, 0)
}

func provideTelegramClient(log *slog.Logger, bot *tgbotapi.BotAPI) *telegram.Client {
	return telegram.NewClient(log, bot)
}

func provideAnnouncer(log *slog.Logger, client *telegram.Client, bundle *i18n.Bundle) *announce.Service {
	return announce.NewService(log, client, bundle)
}

func provideScanner(log *slog.Logger, cfg config.Config, client *telegram.Client, chatService *chats.Service, snapService *snapshots.Service, g *guard.Guard, announcer *announce.Service) *scanner.Service {
	return scanner.NewService(log, client, chatService, snapService, g, announcer, scanner.Config{
		Interval:    cfg.Scanner.Interval.Std(),
		FirstDelay:  cfg.Scanner.FirstDelay.Std(),
		BatchSize:   cfg.Scanner.BatchSize,
		MaxRPS:      float64(cfg.Scanner.MaxRPS),
		RetryLeeway: cfg.Scanner.RetryLeeway.Std(),
	})
}

func provideDetector(log *slog.Logger, bot *tgbotapi.BotAPI, client *telegram.Client, snapService *snapshots.Service, chatService *chats.Service, g *guard.Guard, announcer *announce.Service, scanService *scanner.Service, bundle *i18n.Bundle) *detector.Service {
	return detector.NewService(log, client, snapService, chatService, g, announcer, scanService, bundle, bot.Self.ID)
}

func providePump(log *slog.Logger, bot *tgbotapi.BotAPI, det *detector.Service) *telegram.Pump {
	return telegram.NewPump(log, bot, det)
}

func provideHealthHandler(log *slog.Logger, pool *pgxpool.Pool) *handlers.HealthHandler {
	return handlers.NewHealthHandler(log, pool)
}

func provideHistoryHandler(log *slog.Logger, snapService *snapshots.Service) *handlers.HistoryHandler {
	return handlers.NewHistoryHandler(log, snapService)
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Server.APIToken, params.ServerHandlers...)
}

func startPump(lc fx.Lifecycle, pump *telegram.Pump) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go pump.Run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func startScanner(lc fx.Lifecycle, cfg config.Config, scanService *scanner.Service, logger *slog.Logger) {
	if !cfg.Scanner.Enabled {
		logger.Info("scanner disabled by config")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return scanService.Start(ctx)
		},
		OnStop: func(context.Context) error {
			cancel()
			scanService.Stop()
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
