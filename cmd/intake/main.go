// Command intake runs the message intake service: the webhook that buffers
// inbound messages per user, the orchestrator that turns each settled burst
// into a reviewable reply, the review dashboard API and the auto-sender.
//
// @title       Coach Intake API
// @version     1.0
// @description Message intake webhook and reply review dashboard.
// @BasePath    /api/v1
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/coach-intake/internal/classifier"
	"github.com/tbourn/coach-intake/internal/config"
	"github.com/tbourn/coach-intake/internal/debounce"
	"github.com/tbourn/coach-intake/internal/delivery"
	httpapi "github.com/tbourn/coach-intake/internal/http"
	"github.com/tbourn/coach-intake/internal/llm"
	"github.com/tbourn/coach-intake/internal/observability"
	"github.com/tbourn/coach-intake/internal/repo"
	"github.com/tbourn/coach-intake/internal/search"
	"github.com/tbourn/coach-intake/internal/services"
	"github.com/tbourn/coach-intake/internal/sysutil"
)

var version = "dev"

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ver := sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), version)
	shutdownOTel, err := observability.Setup(ctx, cfg.OTEL, ver)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup")
	}

	db, err := repo.OpenSQLite(cfg.DBPath, repo.Options{Tracing: cfg.OTEL.Enabled, Silent: cfg.GinMode == gin.ReleaseMode})
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	// Without an API key the classifier runs on heuristics alone and the
	// handlers answer from templates.
	model := llm.New(cfg.LLM)
	var judge llm.Generator
	if strings.TrimSpace(cfg.LLM.APIKey) != "" {
		judge = model
	} else {
		log.Warn().Msg("LLM_API_KEY not set; running in heuristic-only mode")
	}

	faq, err := search.LoadFAQ(cfg.FAQPath)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.FAQPath).Msg("FAQ not loaded; general chat runs without grounding")
	}

	orch := &services.Orchestrator{
		Store:         services.NewGormStore(db),
		Classifier:    classifier.Default(cfg.Classifier, judge),
		Handlers:      services.DefaultHandlers(model, faq, cfg.Delivery.BookingURL),
		AutoSend:      cfg.AutoSendEnabled,
		AutoSendDelay: cfg.Delivery.AutoSendDelay,
	}

	logger := log.With().Str("component", "debounce").Logger()
	scheduler := debounce.New(debounce.Options{
		MinWait:      cfg.Debounce.MinWait,
		MaxWait:      cfg.Debounce.MaxWait,
		Workers:      cfg.Debounce.Workers,
		FlushTimeout: cfg.Debounce.FlushTimeout,
		LastReply: func(ctx context.Context, userID string) (time.Time, bool) {
			t, ok, err := repo.LastBotReplyTime(ctx, db, userID)
			if err != nil {
				return time.Time{}, false
			}
			return t, ok
		},
		Logger: &logger,
	}, orch.Flush)

	channel, closeChannel := replyChannel(cfg.Delivery)
	deliverySvc := &services.DeliveryService{
		DB:             db,
		Channel:        channel,
		IdempotencyTTL: cfg.IdempotencyTTL,
	}
	sender := &services.AutoSender{DB: db, Delivery: deliverySvc, Interval: cfg.Delivery.PollInterval}
	senderDone := make(chan struct{})
	go func() {
		defer close(senderDone)
		sender.Run(ctx)
	}()

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, db, httpapi.Services{
		Intake:   &services.IntakeService{Scheduler: scheduler, MaxTextRunes: cfg.Webhook.MaxTextRunes},
		Reviews:  &services.ReviewService{DB: db},
		Delivery: deliverySvc,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", ver).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop intake first, then drain buffered mailboxes so no burst is lost.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := scheduler.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Int("pending", scheduler.Pending()).Msg("debounce drain incomplete")
	}
	<-senderDone
	closeChannel()
	if err := shutdownOTel(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("otel shutdown")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info().Msg("bye")
}

func setupLogging(cfg config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
			NoColor:    sysutil.IsTruthy(os.Getenv("NO_COLOR")),
		})
	}
	log.Logger = log.With().Str("service", cfg.OTEL.ServiceName).Logger()
}

// replyChannel publishes to AMQP when a broker is configured and logs
// deliveries otherwise.
func replyChannel(cfg config.DeliveryConfig) (delivery.ReplyChannel, func()) {
	if cfg.AMQPURL == "" {
		l := log.With().Str("component", "delivery").Logger()
		return delivery.LogChannel{Logger: &l}, func() {}
	}
	ch, err := delivery.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPRoutingKey)
	if err != nil {
		log.Fatal().Err(err).Str("exchange", cfg.AMQPExchange).Msg("dial amqp")
	}
	log.Info().Str("exchange", cfg.AMQPExchange).Str("routing_key", cfg.AMQPRoutingKey).Msg("replies published over AMQP")
	return ch, func() {
		if err := ch.Close(); err != nil {
			log.Warn().Err(err).Msg("amqp close")
		}
	}
}
