package cli

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/agentflow/internal/config"
	"github.com/shaiso/agentflow/internal/mq"
	"github.com/shaiso/agentflow/internal/repo"
)

// App — ресурсы, общие для команд. Подключения открываются лениво:
// команде, которой не нужен RabbitMQ, он и не нужен.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	mu    sync.Mutex
	pool  *pgxpool.Pool
	store *repo.Postgres
	conn  *mq.Connection
}

// NewApp создаёт App.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	return &App{Config: cfg, Logger: logger}
}

// Pool возвращает пул соединений с PostgreSQL.
func (a *App) Pool(ctx context.Context) (*pgxpool.Pool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pool == nil {
		pool, err := repo.NewPool(ctx, a.Config.DB)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.pool = pool
	}
	return a.pool, nil
}

// Store возвращает хранилище PostgreSQL.
func (a *App) Store(ctx context.Context) (*repo.Postgres, error) {
	pool, err := a.Pool(ctx)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.store == nil {
		a.store = repo.New(pool)
	}
	return a.store, nil
}

// Publisher возвращает publisher RabbitMQ с объявленной топологией.
func (a *App) Publisher(ctx context.Context) (*mq.Publisher, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		conn, err := mq.NewConnection(a.Config.AMQP.URL, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("connect to rabbitmq: %w", err)
		}
		if err := mq.SetupTopology(ctx, conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("setup topology: %w", err)
		}
		a.conn = conn
	}
	return mq.NewPublisher(a.conn, a.Logger), nil
}

// Close закрывает открытые подключения.
func (a *App) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn != nil {
		a.conn.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
