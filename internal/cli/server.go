package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"quiz-arena/internal/app"
	"quiz-arena/internal/auth"
	"quiz-arena/internal/config"
	"quiz-arena/internal/domain"
	"quiz-arena/internal/infra/memory"
	"quiz-arena/internal/infra/natsbus"
	pgstore "quiz-arena/internal/infra/postgres"
	"quiz-arena/internal/infra/rabbitmq"
	redisinfra "quiz-arena/internal/infra/redis"
	"quiz-arena/internal/schedule"
	"quiz-arena/internal/scoring"
	transport "quiz-arena/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

// systemIdentity creates the demo session when no database is configured.
var systemIdentity = domain.Identity{ID: "system", DisplayName: "Quiz Arena", Admin: true}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	gap, err := schedule.ParseGapPolicy(cfg.Quiz.GapPolicy)
	if err != nil {
		return err
	}

	var (
		sessions app.SessionStore
		loader   app.QuestionLoader
	)
	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pool.Close()
		store := pgstore.NewStore(pool)
		sessions, loader = store, store
		log.Info().Msg("using postgres session store")
	} else {
		store := memory.NewStore()
		sessions, loader = store, store
		log.Warn().Msg("postgres not configured, sessions live in memory")
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
	}
	redisTTL := config.TTLDuration(cfg.Redis.TTL, 30*time.Minute)
	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)

	var (
		questions app.QuestionRepository
		lobbies   app.LobbyRegistry
	)
	if redisClient != nil {
		questions = redisinfra.NewQuestionRepository(redisClient, loader, quizTTL)
		lobbies = redisinfra.NewLobbyRegistry(redisClient, redisTTL)
	} else {
		questions = memory.NewQuestionRepository(loader, quizTTL)
		lobbies = memory.NewLobbyRegistry()
	}

	var bus app.Broadcaster
	switch cfg.BrokerKind() {
	case config.BrokerRedis:
		bus = redisinfra.NewBroadcaster(redisClient)
	case config.BrokerNATS:
		natsCfg := natsbus.DefaultConfig()
		if cfg.Broker.NATSURL != "" {
			natsCfg.URL = cfg.Broker.NATSURL
		}
		nc, err := natsbus.Connect(natsCfg)
		if err != nil {
			return err
		}
		defer drainNATS(nc)
		bus = natsbus.NewBroadcaster(nc)
	default:
		bus = memory.NewBroadcaster()
	}
	log.Info().Str("broker", cfg.BrokerKind()).Msg("broadcast primitive ready")

	deps := app.Dependencies{
		Sessions:  sessions,
		Questions: questions,
		Lobbies:   lobbies,
		Bus:       bus,
	}
	if cfg.AMQP.URL != "" {
		notifier, err := rabbitmq.NewNotifier(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			return err
		}
		defer notifier.Close()
		deps.Notifier = notifier
	}

	policy := scoring.DefaultPolicy()
	if cfg.Quiz.MaxPoints > 0 {
		policy = scoring.Policy{MaxPoints: cfg.Quiz.MaxPoints, MinPoints: cfg.Quiz.MinPoints}
	}
	service := app.NewQuizService(deps, app.Options{
		Schedule: schedule.Options{
			LobbyWindow: config.TTLDuration(cfg.Quiz.LobbyWindow, schedule.DefaultLobbyWindow),
			Gap:         gap,
		},
		Scoring: policy,
	})

	if cfg.Postgres.URL == "" || cfg.Quiz.SeedSample {
		if err := seedSample(ctx, service); err != nil {
			return err
		}
	}

	var authn auth.Authenticator = auth.DevAuthenticator{}
	if cfg.Auth.JWTSecret != "" {
		authn = auth.NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	} else {
		log.Warn().Msg("auth.jwt_secret not set, trusting X-User-* headers")
	}

	handler := transport.NewRouter(
		transport.NewAPIHandler(service, authn),
		transport.NewWSHandler(service, authn),
		cfg.CORS.AllowedOrigins,
	)
	server := &http.Server{
		Addr:              ":" + finalPort,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
	}
	scheduler := app.NewScheduler(service, config.TTLDuration(cfg.Quiz.SchedulerRetry, app.DefaultRetryInterval))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("port", finalPort).Msg("starting quiz service")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.TTLDuration(cfg.Server.ShutdownTimeout, 10*time.Second))
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// seedSample creates a demo session starting shortly after boot.
func seedSample(ctx context.Context, service *app.QuizService) error {
	start := service.Clock().Now().Add(2 * time.Minute).Truncate(time.Second)
	session, err := service.CreateSession(ctx, systemIdentity, memory.SampleSession(start))
	if err != nil {
		return fmt.Errorf("seed sample session: %w", err)
	}
	log.Info().Int64("session_id", session.ID).Time("starts_at", start).Msg("sample session seeded")
	return nil
}

func drainNATS(nc *nats.Conn) {
	if err := nc.Drain(); err != nil {
		log.Warn().Err(err).Msg("draining NATS connection")
	}
}
