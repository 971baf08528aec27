//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/nidhogg/synergy/internal/agents"
	"github.com/nidhogg/synergy/internal/api"
	"github.com/nidhogg/synergy/internal/cache"
	"github.com/nidhogg/synergy/internal/orchestrator"
	"github.com/nidhogg/synergy/internal/progress"
	"github.com/nidhogg/synergy/internal/store"
	"github.com/nidhogg/synergy/internal/workflow"
	"github.com/testcontainers/testcontainers-go"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

// Package-level shared state, set by TestMain.
var (
	testLogger  *zap.Logger
	testStore   *store.Store
	testRedis   *cache.Redis
	testRelay   *progress.StreamRelay
	testOrch    *orchestrator.Orchestrator
	testServer  *httptest.Server
	testRecords *recordingStore
)

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("synergy_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		testcontainers.TerminateContainer(container)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { _ = testcontainers.TerminateContainer(container) }
	return dsn, cleanup, nil
}

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		testcontainers.TerminateContainer(container)
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	url := "redis://" + endpoint
	cleanup := func() { _ = testcontainers.TerminateContainer(container) }
	return url, cleanup, nil
}

// recordingStore counts saves so tests can wait for asynchronous persistence.
type recordingStore struct {
	*store.Store
	saved chan string
}

func (r *recordingStore) SaveWorkflow(ctx context.Context, snap workflow.Snapshot) error {
	if err := r.Store.SaveWorkflow(ctx, snap); err != nil {
		return err
	}
	select {
	case r.saved <- snap.ID:
	default:
	}
	return nil
}

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()
	testLogger = zap.NewNop()

	dsn, stopPG, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer stopPG()

	redisURL, stopRedis, err := startRedis(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer stopRedis()

	testStore, err = store.New(ctx, dsn, testLogger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer testStore.Close()
	if err := testStore.Migrate(ctx, "../../migrations"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	testRedis, err = cache.DialRedis(ctx, redisURL, testLogger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer testRedis.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	broadcaster := progress.NewBroadcaster(0, testLogger)
	testRelay = progress.NewStreamRelay(testRedis.Client(), 1000, time.Hour, testLogger)
	go testRelay.Run(runCtx, broadcaster)

	testRecords = &recordingStore{Store: testStore, saved: make(chan string, 64)}
	opts := orchestrator.DefaultOptions()
	opts.Retention = time.Minute
	testOrch, err = orchestrator.New(opts, agents.All(testLogger), testRedis, broadcaster, testLogger,
		orchestrator.WithRecorder(testRecords))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer func() {
		sctx, scancel := context.WithTimeout(ctx, 10*time.Second)
		defer scancel()
		_ = testOrch.Shutdown(sctx)
	}()

	handler := api.NewHandler(testOrch, api.Options{}, testLogger,
		api.WithHistory(testRelay),
		api.WithHealthCheck("postgres", testStore.Ping))
	testServer = httptest.NewServer(handler.Router())
	defer testServer.Close()

	return m.Run()
}
