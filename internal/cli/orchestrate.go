package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shaiso/agentflow/internal/domain"
	"github.com/shaiso/agentflow/internal/engine"
	"github.com/shaiso/agentflow/internal/mq"
	"github.com/shaiso/agentflow/internal/orchestrator"
	"github.com/shaiso/agentflow/internal/queue"
	"github.com/shaiso/agentflow/internal/repo"
	"github.com/shaiso/agentflow/internal/repo/memory"
	"github.com/shaiso/agentflow/internal/retry"
	"github.com/shaiso/agentflow/internal/telemetry"
	"github.com/shaiso/agentflow/internal/worker"
)

// orchestrateOpts — флаги команды orchestrate.
type orchestrateOpts struct {
	workspace string
	inputs    []string
	inputJSON string
	key       string
	trigger   string

	local bool
	async bool
	file  string
}

// NewOrchestrateCmd создаёт команду запуска run.
//
// Режимы:
//   - по умолчанию — run создаётся здесь, jobs уходят в RabbitMQ воркерам
//   - --async — запрос публикуется в runs.requested для процесса оркестратора
//   - --local — run выполняется целиком в этом процессе через очередь в памяти;
//     с --file хранилище тоже в памяти, БД не нужна
func NewOrchestrateCmd(appFn func() *App, outputFn func() *Output) *cobra.Command {
	var opts orchestrateOpts

	cmd := &cobra.Command{
		Use:   "orchestrate WORKFLOW",
		Short: "Start a run of the latest workflow version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := opts.request(args[0])
			if err != nil {
				return err
			}
			if opts.file != "" && !opts.local {
				return fmt.Errorf("--file requires --local")
			}

			ctx := cmd.Context()
			app := appFn()
			out := outputFn()

			switch {
			case opts.async:
				pub, err := app.Publisher(ctx)
				if err != nil {
					return err
				}
				if err := pub.PublishRunRequested(ctx, req); err != nil {
					return err
				}
				out.Success(fmt.Sprintf("Run requested: %s/%s", req.WorkspaceSlug, req.WorkflowName))
				return nil

			case opts.local:
				return runLocal(ctx, app, out, req, opts.file)

			default:
				return runRemote(ctx, app, out, req)
			}
		},
	}

	cmd.Flags().StringVarP(&opts.workspace, "workspace", "w", "default", "Workspace slug")
	cmd.Flags().StringSliceVar(&opts.inputs, "input", nil, "Input values as KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&opts.inputJSON, "input-json", "", "Run input as a JSON object")
	cmd.Flags().StringVar(&opts.key, "idempotency-key", "", "Idempotency key (repeated calls return the same run)")
	cmd.Flags().StringVar(&opts.trigger, "trigger", string(domain.TriggerManual), "Trigger kind (manual, schedule, webhook)")
	cmd.Flags().BoolVar(&opts.local, "local", false, "Execute the run in-process with an in-memory queue")
	cmd.Flags().BoolVar(&opts.async, "async", false, "Publish a run request for the orchestrator process")
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "DAG JSON document to run against an in-memory store (with --local)")
	cmd.MarkFlagsMutuallyExclusive("local", "async")

	return cmd
}

func (o orchestrateOpts) request(workflow string) (orchestrator.Request, error) {
	req := orchestrator.Request{
		WorkspaceSlug:  o.workspace,
		WorkflowName:   workflow,
		Trigger:        domain.TriggerKind(o.trigger),
		IdempotencyKey: o.key,
	}

	if o.inputJSON != "" {
		if err := json.Unmarshal([]byte(o.inputJSON), &req.Input); err != nil {
			return req, fmt.Errorf("invalid --input-json: %w", err)
		}
	}
	for _, kv := range o.inputs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return req, fmt.Errorf("invalid input format %q, expected KEY=VALUE", kv)
		}
		if req.Input == nil {
			req.Input = make(map[string]any)
		}
		req.Input[k] = v
	}
	return req, nil
}

// runRemote создаёт run и отдаёт jobs воркерам через RabbitMQ.
func runRemote(ctx context.Context, app *App, out *Output, req orchestrator.Request) error {
	store, err := app.Store(ctx)
	if err != nil {
		return err
	}
	pub, err := app.Publisher(ctx)
	if err != nil {
		return err
	}

	orch := orchestrator.New(orchestrator.Config{
		Store:  store,
		Loader: store.Loader,
		Queue:  mq.NewStepQueue(pub),
		Retry:  retry.FromConfig(app.Config.Retry),
		Logger: app.Logger,
	})

	res, err := orch.Orchestrate(ctx, req)
	if err != nil {
		return err
	}

	if res.Reused {
		out.Success(fmt.Sprintf("Run reused: %s", res.RunID))
	} else {
		out.Success(fmt.Sprintf("Run started: %s", res.RunID))
	}
	out.Print(
		[]string{"RUN_ID", "STATUS", "WORKFLOW_ID", "STEPS_ENQUEUED"},
		[][]string{{res.RunID.String(), string(res.Status), res.WorkflowID.String(), fmt.Sprint(len(res.StepsEnqueued))}},
		res,
	)
	return nil
}

// runLocal выполняет run в этом процессе до финального статуса.
func runLocal(ctx context.Context, app *App, out *Output, req orchestrator.Request, file string) error {
	var (
		store  repo.Store
		loader *engine.Loader
	)

	if file != "" {
		mem := memory.New()
		if err := publishFile(ctx, mem, req, file); err != nil {
			return err
		}
		store, loader = mem, mem.Loader()
	} else {
		pg, err := app.Store(ctx)
		if err != nil {
			return err
		}
		store, loader = pg, pg.Loader
	}

	q := queue.NewMemory()
	metrics := telemetry.NewMemoryMetrics()
	policy := retry.FromConfig(app.Config.Retry)

	orch := orchestrator.New(orchestrator.Config{
		Store:   store,
		Loader:  loader,
		Queue:   q,
		Metrics: metrics,
		Retry:   policy,
		Logger:  app.Logger,
	})
	w := worker.New(worker.Config{
		Store:      store,
		Loader:     loader,
		Queue:      q,
		DLQ:        q,
		Metrics:    metrics,
		Retry:      policy,
		JobTimeout: app.Config.Worker.JobTimeout,
		Logger:     app.Logger,
	})

	res, err := orch.Orchestrate(ctx, req)
	if err != nil {
		return err
	}
	if err := w.Drain(ctx, q); err != nil {
		return fmt.Errorf("execute run %s: %w", res.RunID, err)
	}

	run, err := store.GetRun(ctx, res.RunID)
	if err != nil {
		return err
	}
	steps, err := store.ListSteps(ctx, res.RunID)
	if err != nil {
		return err
	}

	out.RunDetails(run, steps)
	for _, dl := range q.DeadLetters() {
		out.Success(fmt.Sprintf("dead-lettered: %s attempt %d: %s", dl.Job.NodeID, dl.Job.Attempt, dl.Reason))
	}
	if run.Status != domain.RunStatusCompleted {
		return fmt.Errorf("run %s finished with status %s", run.ID, run.Status)
	}
	return nil
}

// publishFile публикует DAG из файла в хранилище под именем запроса.
func publishFile(ctx context.Context, store repo.Store, req orchestrator.Request, file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read dag: %w", err)
	}
	spec, err := engine.Parse(data)
	if err != nil {
		return err
	}

	ws, err := store.EnsureWorkspace(ctx, req.WorkspaceSlug, req.WorkspaceSlug)
	if err != nil {
		return err
	}
	wf, err := store.EnsureWorkflow(ctx, ws.ID, req.WorkflowName)
	if err != nil {
		return err
	}
	_, err = store.PublishVersion(ctx, wf.ID, *spec)
	return err
}
