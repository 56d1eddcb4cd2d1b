// agentflow — инструмент командной строки: схема БД, публикация
// workflows, запуск и просмотр runs.
//
// Использование:
//
//	agentflow [--config FILE] [--json] <command> [subcommand] [flags]
//
// Команды:
//
//	migrate      Применить схему БД
//	workflow     Публикация и просмотр workflows
//	orchestrate  Запуск run
//	run          Просмотр и отмена runs
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shaiso/agentflow/internal/cli"
	"github.com/shaiso/agentflow/internal/config"
	"github.com/shaiso/agentflow/internal/telemetry"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var configPath string
	var jsonOutput bool
	var app *cli.App

	rootCmd := &cobra.Command{
		Use:           "agentflow",
		Short:         "agentflow CLI — workflow DAG orchestration",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			// Логи в stderr, чтобы не смешиваться с выводом команд
			app = cli.NewApp(cfg, telemetry.NewLogger(os.Stderr, cfg.Log))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to agentflow.yaml")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	appFn := func() *cli.App { return app }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewMigrateCmd(appFn, outputFn),
		cli.NewWorkflowCmd(appFn, outputFn),
		cli.NewOrchestrateCmd(appFn, outputFn),
		cli.NewRunCmd(appFn, outputFn),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	if app != nil {
		app.Close()
	}
	cancel()

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
