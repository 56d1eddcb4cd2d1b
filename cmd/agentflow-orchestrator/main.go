// agentflow-orchestrator — создаёт runs и ставит в очередь первые steps.
//
// Orchestrator:
//   - Получает запросы на запуск из очереди runs.requested
//   - Загружает последнюю версию workflow и строит DAG
//   - Создаёт run с учётом ключа идемпотентности
//   - Создаёт steps корневых узлов и отправляет jobs воркерам
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/agentflow/internal/config"
	"github.com/shaiso/agentflow/internal/mq"
	"github.com/shaiso/agentflow/internal/orchestrator"
	"github.com/shaiso/agentflow/internal/repo"
	"github.com/shaiso/agentflow/internal/retry"
	"github.com/shaiso/agentflow/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to agentflow.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(cfg.Log)
	logger.Info("starting agentflow-orchestrator")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := repo.NewPool(ctx, cfg.DB)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	if err := repo.Migrate(ctx, pool); err != nil {
		logger.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}
	store := repo.New(pool)

	mqConn, err := mq.NewConnection(cfg.AMQP.URL, logger)
	if err != nil {
		logger.Error("failed to connect to rabbitmq", "error", err)
		os.Exit(1)
	}
	defer mqConn.Close()
	logger.Info("RabbitMQ connected")

	if err := mq.SetupTopology(ctx, mqConn); err != nil {
		logger.Error("failed to setup topology", "error", err)
		os.Exit(1)
	}
	publisher := mq.NewPublisher(mqConn, logger)

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewPrometheusMetrics(registry)

	orch := orchestrator.New(orchestrator.Config{
		Store:    store,
		Loader:   store.Loader,
		Queue:    mq.NewStepQueue(publisher),
		Metrics:  metrics,
		Retry:    retry.FromConfig(cfg.Retry),
		Conn:     mqConn,
		Prefetch: cfg.Orchestrator.Prefetch,
		Logger:   logger,
	})

	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !mqConn.IsConnected() {
			http.Error(w, "rabbitmq disconnected", http.StatusServiceUnavailable)
			return
		}
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	port := ":" + cfg.Orchestrator.Port
	go func() {
		logger.Info("listening", "addr", port)
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	orch.Stop()
	logger.Info("agentflow-orchestrator stopped")
}
