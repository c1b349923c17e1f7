package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/jonboulle/clockwork"
	amqp "github.com/rabbitmq/amqp091-go"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"quiz-arena/internal/app"
	"quiz-arena/internal/domain"
	"quiz-arena/internal/infra/memory"
	"quiz-arena/internal/infra/natsbus"
	pgstore "quiz-arena/internal/infra/postgres"
	pgmigrations "quiz-arena/internal/infra/postgres/migrations"
	"quiz-arena/internal/infra/rabbitmq"
	infraredis "quiz-arena/internal/infra/redis"
)

var (
	t0    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	admin = domain.Identity{ID: "admin", DisplayName: "Admin", Admin: true}
	ada   = domain.Identity{ID: "u-ada", DisplayName: "Ada"}
	bob   = domain.Identity{ID: "u-bob", DisplayName: "Bob"}
)

func TestSessionEndToEnd(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL := startPostgres(t, ctx)
	redisAddr := startRedis(t, ctx)
	migrateUp(t, ctx, pgURL)

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()
	redisClient := goredis.NewClient(&goredis.Options{Addr: redisAddr})
	defer redisClient.Close()

	store := pgstore.NewStore(pool)
	clock := clockwork.NewFakeClockAt(t0)
	service := app.NewQuizService(app.Dependencies{
		Sessions:  store,
		Questions: infraredis.NewQuestionRepository(redisClient, store, 5*time.Minute),
		Lobbies:   infraredis.NewLobbyRegistry(redisClient, 5*time.Minute),
		Bus:       infraredis.NewBroadcaster(redisClient),
		Clock:     clock,
	}, app.Options{})

	session, err := service.CreateSession(ctx, admin, memory.SampleSession(t0.Add(10*time.Second)))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	for _, id := range []domain.Identity{ada, bob} {
		if _, err := service.Register(ctx, id, session.ID); err != nil {
			t.Fatalf("register %s: %v", id.ID, err)
		}
	}
	if res, err := service.Register(ctx, ada, session.ID); err != nil || res.Created || res.Count != 2 {
		t.Fatalf("expected idempotent registration, got %+v %v", res, err)
	}

	board, deltas, cancel, err := service.SubscribeLeaderboard(ctx, session.ID)
	if err != nil {
		t.Fatalf("subscribe leaderboard: %v", err)
	}
	defer cancel()

	clock.Advance(10 * time.Second)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		performed int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := service.TryGoLive(ctx, session.ID)
			if err != nil {
				t.Errorf("try go live: %v", err)
				return
			}
			if res.Performed() {
				mu.Lock()
				performed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if performed != 1 {
		t.Fatalf("expected exactly one performed transition, got %d", performed)
	}

	if _, err := service.Register(ctx, domain.Identity{ID: "late"}, session.ID); !errors.Is(err, domain.ErrRegistrationClosed) {
		t.Fatalf("expected registration closed, got %v", err)
	}

	res, err := service.SubmitAnswer(ctx, ada, session.ID, domain.AnswerSubmission{QuestionIndex: 0, ChosenIndex: 1, LatencyMs: 5000})
	if err != nil {
		t.Fatalf("submit ada: %v", err)
	}
	if !res.Correct || res.Points != 700 {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := service.SubmitAnswer(ctx, bob, session.ID, domain.AnswerSubmission{QuestionIndex: 0, ChosenIndex: 0, LatencyMs: 1000}); err != nil {
		t.Fatalf("submit bob: %v", err)
	}
	if _, err := service.SubmitAnswer(ctx, ada, session.ID, domain.AnswerSubmission{QuestionIndex: 0, ChosenIndex: 1}); !errors.Is(err, domain.ErrDuplicateSubmission) {
		t.Fatalf("expected duplicate submission, got %v", err)
	}

	deadline := time.After(5 * time.Second)
	for seen := 0; seen < 2; {
		select {
		case ev := <-deltas:
			if ev.Score != nil && board.Apply(*ev.Score) {
				seen++
			}
		case <-deadline:
			t.Fatalf("timed out waiting for score deltas over redis")
		}
	}
	live := board.Snapshot()
	stored, err := service.Leaderboard(ctx, session.ID)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(stored.Entries) != 2 || stored.Entries[0].Identity != ada.ID || stored.Entries[0].Score != 700 {
		t.Fatalf("unexpected stored leaderboard %+v", stored.Entries)
	}
	if len(live.Entries) != 2 || live.Entries[0].Identity != ada.ID || live.Entries[1].Score != 0 {
		t.Fatalf("live board diverged from storage: %+v", live.Entries)
	}

	q, err := service.Question(ctx, bob, session.ID, 0)
	if err != nil || !q.Revealed {
		t.Fatalf("expected revealed question for bob, got %+v %v", q, err)
	}

	clock.Advance(45 * time.Second)
	if fin, err := service.TryFinish(ctx, session.ID); err != nil || !fin.Performed() {
		t.Fatalf("expected finish, got %+v %v", fin, err)
	}
	final, err := store.GetSession(ctx, session.ID)
	if err != nil || final.Status != domain.StatusFinished || final.FinishedAt == nil {
		t.Fatalf("expected finished session, got %+v %v", final, err)
	}
}

func TestNATSBroadcaster(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	host, port := startContainer(t, ctx, tc.ContainerRequest{
		Image:        "nats:2.10-alpine",
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
	}, "4222/tcp")

	cfg := natsbus.DefaultConfig()
	cfg.URL = fmt.Sprintf("nats://%s:%s", host, port)
	nc, err := natsbus.Connect(cfg)
	if err != nil {
		t.Fatalf("connect nats: %v", err)
	}
	defer nc.Close()
	bus := natsbus.NewBroadcaster(nc)

	topic := app.LeaderboardTopic(7)
	ch, cancel, err := bus.Subscribe(ctx, topic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	delta := domain.ScoreDelta{Identity: ada.ID, DisplayName: "Ada", Points: 700, Total: 700, Answered: 1, At: t0}
	if err := bus.Publish(ctx, topic, domain.NewScoreEvent(7, delta)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case ev := <-ch:
		if ev.Type != domain.EventScoreDelta || ev.Score == nil || ev.Score.Total != 700 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for NATS delivery")
	}
}

func TestRabbitMQNotifier(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	host, port := startContainer(t, ctx, tc.ContainerRequest{
		Image:        "rabbitmq:3.13-alpine",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.ForLog("Server startup complete").WithStartupTimeout(90 * time.Second),
	}, "5672/tcp")
	url := fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port)

	notifier, err := rabbitmq.NewNotifier(url, "")
	if err != nil {
		t.Fatalf("notifier: %v", err)
	}
	defer notifier.Close()

	conn, err := amqp.Dial(url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		t.Fatalf("declare queue: %v", err)
	}
	if err := ch.QueueBind(q.Name, "quiz.session.*", rabbitmq.DefaultExchange, false, nil); err != nil {
		t.Fatalf("bind: %v", err)
	}
	msgs, err := ch.Consume(q.Name, "", true, false, false, false, nil)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	session := domain.Session{ID: 3, Title: "Sprint", Status: domain.StatusLive}
	change := domain.StatusChange{From: domain.StatusScheduled, To: domain.StatusLive, At: t0}
	if err := notifier.SessionTransitioned(ctx, session, change); err != nil {
		t.Fatalf("notify: %v", err)
	}

	select {
	case msg := <-msgs:
		if msg.RoutingKey != "quiz.session.live" {
			t.Fatalf("unexpected routing key %s", msg.RoutingKey)
		}
		var ev rabbitmq.SessionEvent
		if err := json.Unmarshal(msg.Body, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.Session.ID != 3 || ev.Change.To != domain.StatusLive {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for AMQP delivery")
	}
}

func migrateUp(t *testing.T, ctx context.Context, dsn string) {
	t.Helper()
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func startPostgres(t *testing.T, ctx context.Context) string {
	t.Helper()
	host, port := startContainer(t, ctx, tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "quiz", "POSTGRES_PASSWORD": "quizpass", "POSTGRES_DB": "quizdb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}, "5432/tcp")
	return fmt.Sprintf("postgres://quiz:quizpass@%s:%s/quizdb?sslmode=disable", host, port)
}

func startRedis(t *testing.T, ctx context.Context) string {
	t.Helper()
	host, port := startContainer(t, ctx, tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}, "6379/tcp")
	return host + ":" + port
}

// startContainer runs req and returns the host and mapped port; the container is
// terminated when the test ends.
func startContainer(t *testing.T, ctx context.Context, req tc.ContainerRequest, exposed nat.Port) (string, string) {
	t.Helper()
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start %s: %v", req.Image, err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("%s host: %v", req.Image, err)
	}
	port, err := container.MappedPort(ctx, exposed)
	if err != nil {
		t.Fatalf("%s port: %v", req.Image, err)
	}
	return host, port.Port()
}

func requireDocker(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in -short mode")
	}
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
