package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"promobot/internal/bot"
	"promobot/internal/config"
	"promobot/internal/delivery"
	"promobot/internal/logger"
	"promobot/internal/publisher"
	"promobot/internal/scheduler"
	"promobot/internal/storage"
	"promobot/internal/storage/ch"
	"promobot/internal/storage/pg"
	"promobot/internal/storage/rstate"
	"promobot/internal/storage/stubs"
	"promobot/internal/transport"
)

const (
	stateTTL         = 24 * time.Hour
	drainTimeout     = 15 * time.Second
	interruptedAtRun = "delivery interrupted by a restart"
)

// App represents the application
type App struct {
	config *config.Config
	logger *zap.Logger

	db      storage.Storage
	journal storage.Journal
	states  storage.StateStore

	api       *tgbotapi.BotAPI
	engine    *delivery.Engine
	scheduler *scheduler.Scheduler
	publisher *publisher.Service
	bot       *bot.Bot
	server    *http.Server

	// ctx lives until Shutdown and bounds update handling
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates and initializes a new application instance
func New() (*App, error) {
	// Load .env file if it exists
	envErr := godotenv.Load()

	// Load configuration from environment variables
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	if envErr != nil {
		log.Debug("No .env file found, using system environment variables")
	}

	ctx, cancel := context.WithCancel(context.Background())
	app := &App{config: cfg, logger: log, ctx: ctx, cancel: cancel}

	log.Info("Starting promo post bot...")

	if err := app.initDatabase(); err != nil {
		cancel()
		return nil, err
	}
	if err := app.initJournal(); err != nil {
		cancel()
		return nil, err
	}
	if err := app.initStates(); err != nil {
		cancel()
		return nil, err
	}
	if err := app.initPipeline(); err != nil {
		cancel()
		return nil, err
	}

	app.initHTTPServer()

	return app, nil
}

// initDatabase connects to PostgreSQL, or the in-memory store for development
func (a *App) initDatabase() error {
	var db storage.Storage
	if a.config.UseMockDB {
		a.logger.Info("Using mock database")
		db = stubs.NewMockDB()
	} else {
		a.logger.Info("Connecting to PostgreSQL")
		postgresDB, err := pg.NewPostgresDB(a.ctx, a.config.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		db = postgresDB
	}

	// Apply schema migrations
	if err := db.Initialize(a.ctx); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	a.logger.Info("Database initialized successfully")

	a.db = db
	return nil
}

// initJournal connects the ClickHouse delivery journal when configured
func (a *App) initJournal() error {
	if a.config.ClickHouseHost == "" {
		a.logger.Info("Delivery journal disabled (CLICKHOUSE_HOST not set)")
		return nil
	}

	tlsStatus := "without TLS"
	if a.config.ClickHouseUseTLS {
		tlsStatus = "with TLS"
	}
	a.logger.Info("Connecting to ClickHouse",
		zap.String("host", a.config.ClickHouseHost),
		zap.Int("port", a.config.ClickHousePort),
		zap.String("database", a.config.ClickHouseDatabase),
		zap.String("user", a.config.ClickHouseUser),
		zap.String("tls", tlsStatus),
	)
	journal, err := ch.NewClickHouseJournal(
		a.config.ClickHouseHost,
		a.config.ClickHousePort,
		a.config.ClickHouseDatabase,
		a.config.ClickHouseUser,
		a.config.ClickHousePassword,
		a.config.ClickHouseUseTLS,
	)
	if err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := journal.Initialize(a.ctx); err != nil {
		return fmt.Errorf("failed to initialize delivery journal: %w", err)
	}

	a.journal = journal
	return nil
}

// initStates picks Redis or in-memory conversation state
func (a *App) initStates() error {
	if a.config.RedisAddr == "" {
		a.logger.Info("Using in-memory conversation state (REDIS_ADDR not set)")
		a.states = stubs.NewMemoryStateStore()
		return nil
	}

	client, err := rstate.NewClient(a.ctx, a.config.RedisAddr, a.config.RedisPassword, a.config.RedisDB)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	a.logger.Info("Conversation state stored in Redis", zap.String("addr", a.config.RedisAddr))
	a.states = rstate.New(client, stateTTL)
	return nil
}

// initPipeline wires transport, delivery, scheduling, publishing and the bot
func (a *App) initPipeline() error {
	api, err := tgbotapi.NewBotAPI(a.config.TelegramToken)
	if err != nil {
		return fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	a.api = api

	telegram := transport.NewTelegram(api, a.config.SendRatePerSecond, a.logger)

	engineOpts := []delivery.Option{
		delivery.WithNotifier(telegram),
		delivery.WithButtonTemplates(a.config.PostButtons),
		delivery.WithRetryPolicy(delivery.RetryPolicy{
			MaxAttempts:    a.config.DeliveryMaxAttempts,
			InitialBackoff: a.config.DeliveryInitialBackoff,
			MaxBackoff:     a.config.DeliveryMaxBackoff,
		}),
	}
	if a.journal != nil {
		engineOpts = append(engineOpts, delivery.WithJournal(a.journal))
	}
	a.engine = delivery.NewEngine(a.db, telegram, a.logger, engineOpts...)

	a.scheduler = scheduler.New(a.db, a.engine, a.logger,
		scheduler.WithPollInterval(a.config.SchedulerPollInterval),
		scheduler.WithClaimLease(a.config.SchedulerClaimLease),
		scheduler.WithConcurrency(a.config.SchedulerConcurrency),
		scheduler.WithDrainTimeout(drainTimeout),
	)
	a.publisher = publisher.New(a.db, a.scheduler, a.engine, a.logger)

	a.bot = bot.NewBot(api, a.db, bot.Options{
		Publisher:       a.publisher,
		Journal:         a.journal,
		States:          a.states,
		AdminUserIDs:    a.config.AdminUserIDs,
		ButtonTemplates: a.config.PostButtons,
		TimeOptions:     a.config.PostTimeOptions,
		Location:        a.config.Location,
		CodeTTL:         a.config.RegistrationCodeTTL,
	}, a.logger)
	a.logger.Info("Bot created successfully", zap.Int64s("admin_user_ids", a.config.AdminUserIDs))
	return nil
}

// initHTTPServer prepares the HTTP server for health checks and webhook. Run starts it.
func (a *App) initHTTPServer() {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	})

	// Root endpoint
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "Promo post bot is running (mode: %s)", a.mode())
	})

	// Webhook endpoint (only used in webhook mode)
	mux.HandleFunc("/telegram-webhook", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var update tgbotapi.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			a.logger.Warn("Error decoding webhook update", zap.Error(err))
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		// Process update in background to respond quickly to Telegram
		go a.bot.HandleUpdate(a.ctx, update)

		w.WriteHeader(http.StatusOK)
	})

	a.server = &http.Server{
		Addr:         ":" + a.config.Port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// serveHTTP starts the HTTP server in background
func (a *App) serveHTTP() {
	go func() {
		a.logger.Info("Starting HTTP server", zap.String("port", a.config.Port))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
}

func (a *App) mode() string {
	if a.config.WebhookMode {
		return "webhook"
	}
	return "polling"
}

// Run starts the application and blocks until shutdown
func (a *App) Run() error {
	// Handle graceful shutdown
	sigCtx, stop := signal.NotifyContext(a.ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.bot.BootstrapAdmins(a.ctx); err != nil {
		return fmt.Errorf("failed to bootstrap admins: %w", err)
	}

	// Immediate posts left delivering by a previous process can be retried by their authors
	if n, err := a.db.ResetStuckDeliveries(a.ctx, interruptedAtRun); err != nil {
		a.logger.Error("Failed to reset stuck deliveries", zap.Error(err))
	} else if n > 0 {
		a.logger.Warn("Marked interrupted deliveries as failed", zap.Int64("posts", n))
	}

	// Releases schedule claims of the previous process, so its interrupted
	// scheduled posts run again in the catch-up pass
	if err := a.scheduler.Start(a.ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	// Updates are accepted only after recovery
	a.serveHTTP()

	// Start bot in appropriate mode
	if a.config.WebhookMode {
		a.logger.Info("Starting bot in WEBHOOK mode", zap.String("webhook_url", a.config.WebhookURL))
		if err := a.bot.StartWebhook(a.config.WebhookURL); err != nil {
			return fmt.Errorf("failed to setup webhook: %w", err)
		}
		a.logger.Info("Webhook configured. Bot will receive updates via HTTP endpoint /telegram-webhook")
	} else {
		// Polling mode: actively poll Telegram servers
		go func() {
			if err := a.bot.Start(sigCtx); err != nil {
				a.logger.Error("Polling stopped with error", zap.Error(err))
			}
		}()
	}

	// Wait for interrupt signal
	<-sigCtx.Done()

	a.logger.Info("Shutting down...")
	return a.Shutdown()
}

// Shutdown stops intake first, then drains in-flight deliveries and closes stores
func (a *App) Shutdown() error {
	// Shutdown HTTP server gracefully
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("HTTP server shutdown error", zap.Error(err))
	}

	a.scheduler.Stop()
	a.publisher.Shutdown(drainTimeout)
	a.cancel()

	var errs []error
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Warn("Error closing delivery journal", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if err := a.states.Close(); err != nil {
		a.logger.Warn("Error closing state store", zap.Error(err))
		errs = append(errs, err)
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error("Error closing database", zap.Error(err))
		errs = append(errs, err)
	}

	a.logger.Info("Shutdown complete")
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
