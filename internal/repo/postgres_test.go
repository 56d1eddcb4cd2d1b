//go:build integration

package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/shaiso/agentflow/internal/config"
	"github.com/shaiso/agentflow/internal/repo"
	"github.com/shaiso/agentflow/internal/repo/repotest"
)

// setupPool поднимает PostgreSQL в контейнере и применяет схему.
func setupPool(t *testing.T) *repo.Postgres {
	t.Helper()
	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("agentflow_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := repo.NewPool(ctx, config.DBConfig{URL: dsn, MaxConns: 20})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, repo.Migrate(ctx, pool))
	// Повторное применение схемы не должно падать
	require.NoError(t, repo.Migrate(ctx, pool))

	return repo.New(pool)
}

func TestPostgres(t *testing.T) {
	store := setupPool(t)
	repotest.Run(t, func(*testing.T) repo.Store { return store })
}
