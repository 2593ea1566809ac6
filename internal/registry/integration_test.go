//go:build integration

package registry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/streamforge/orchestrator/internal/gatekeeper"
	"github.com/streamforge/orchestrator/internal/store"
)

func setupRegistry(t *testing.T) (*Registry, func()) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("orchestrator_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	cfg := gatekeeper.DefaultConfig()
	cfg.Host = host
	cfg.Port = port.Int()
	cfg.Database = "orchestrator_test"
	cfg.User = "test"
	cfg.Password = "test"

	gk, err := gatekeeper.New(ctx, cfg, slog.Default(), nil)
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://test:test@%s:%d/orchestrator_test?sslmode=disable", host, port.Int())
	migrateDB, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	defer migrateDB.Close()
	require.NoError(t, goose.SetDialect("postgres"))
	require.NoError(t, goose.Up(migrateDB, "../../migrations"))

	reg, err := New(store.NewInstanceStore(gk, nil), Config{RecoveryKThreshold: 2, PerformanceAlpha: 0.3}, nil, nil)
	require.NoError(t, err)

	return reg, func() {
		gk.Close()
		_ = pgContainer.Terminate(ctx)
	}
}

func TestRegistry_RegisterThenReattachPreservesRegisteredAt(t *testing.T) {
	reg, teardown := setupRegistry(t)
	defer teardown()
	ctx := context.Background()

	outcome, err := reg.Register(ctx, "worker-1", 10, map[string]string{"az": "eu-1"})
	require.NoError(t, err)
	require.Equal(t, Registered, outcome)

	first, err := reg.Get(ctx, "worker-1")
	require.NoError(t, err)

	outcome, err = reg.Register(ctx, "worker-1", 10, map[string]string{"az": "eu-1"})
	require.NoError(t, err)
	require.Equal(t, Reattached, outcome)

	second, err := reg.Get(ctx, "worker-1")
	require.NoError(t, err)
	require.WithinDuration(t, first.RegisteredAt, second.RegisteredAt, time.Second)
	require.Equal(t, 0, second.FailureCount)
}

func TestRegistry_RecordHeartbeatPromotesRegisteredToActive(t *testing.T) {
	reg, teardown := setupRegistry(t)
	defer teardown()
	ctx := context.Background()

	_, err := reg.Register(ctx, "worker-2", 10, nil)
	require.NoError(t, err)

	status, err := reg.RecordHeartbeat(ctx, "worker-2", time.Now(), LoadReport{SuccessfulUpdates: 9, TotalUpdates: 10})
	require.NoError(t, err)
	require.Equal(t, "ACTIVE", string(status))
}

func TestRegistry_RecordHeartbeatUnknownInstanceFails(t *testing.T) {
	reg, teardown := setupRegistry(t)
	defer teardown()
	ctx := context.Background()

	_, err := reg.RecordHeartbeat(ctx, "ghost", time.Now(), LoadReport{})
	require.Error(t, err)
}

func TestRegistry_MarkInactiveIsIdempotent(t *testing.T) {
	reg, teardown := setupRegistry(t)
	defer teardown()
	ctx := context.Background()

	_, err := reg.Register(ctx, "worker-3", 10, nil)
	require.NoError(t, err)

	require.NoError(t, reg.MarkInactive(ctx, "worker-3", "silence"))
	require.NoError(t, reg.MarkInactive(ctx, "worker-3", "silence again"))

	inst, err := reg.Get(ctx, "worker-3")
	require.NoError(t, err)
	require.Equal(t, "INACTIVE", string(inst.Status))
}

func TestRegistry_RecoveringRequiresTwoConsecutiveHeartbeatsToReactivate(t *testing.T) {
	reg, teardown := setupRegistry(t)
	defer teardown()
	ctx := context.Background()

	_, err := reg.Register(ctx, "worker-4", 10, nil)
	require.NoError(t, err)
	require.NoError(t, reg.MarkInactive(ctx, "worker-4", "silence"))

	status, err := reg.RecordHeartbeat(ctx, "worker-4", time.Now(), LoadReport{SuccessfulUpdates: 1, TotalUpdates: 1})
	require.NoError(t, err)
	require.Equal(t, "RECOVERING", string(status))

	status, err = reg.RecordHeartbeat(ctx, "worker-4", time.Now().Add(time.Second), LoadReport{SuccessfulUpdates: 1, TotalUpdates: 1})
	require.NoError(t, err)
	require.Equal(t, "ACTIVE", string(status))
}

func TestRegistry_ListActiveExcludesWarningAndInactive(t *testing.T) {
	reg, teardown := setupRegistry(t)
	defer teardown()
	ctx := context.Background()

	_, err := reg.Register(ctx, "worker-5", 10, nil)
	require.NoError(t, err)
	_, err = reg.RecordHeartbeat(ctx, "worker-5", time.Now(), LoadReport{SuccessfulUpdates: 1, TotalUpdates: 1})
	require.NoError(t, err)

	_, err = reg.Register(ctx, "worker-6", 10, nil)
	require.NoError(t, err)
	require.NoError(t, reg.MarkInactive(ctx, "worker-6", "silence"))

	active, err := reg.ListActive(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(active))
	for _, a := range active {
		ids = append(ids, a.ID)
	}
	require.Contains(t, ids, "worker-5")
	require.NotContains(t, ids, "worker-6")
}
