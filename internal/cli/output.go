package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shaiso/agentflow/internal/domain"
)

// Output управляет форматированием вывода CLI.
type Output struct {
	jsonMode bool
	w        io.Writer // stdout для данных
	errW     io.Writer // stderr для сообщений
}

// NewOutput создаёт Output поверх stdout/stderr.
func NewOutput(jsonMode bool) *Output {
	return NewOutputTo(os.Stdout, os.Stderr, jsonMode)
}

// NewOutputTo создаёт Output с заданными приёмниками.
func NewOutputTo(w, errW io.Writer, jsonMode bool) *Output {
	return &Output{jsonMode: jsonMode, w: w, errW: errW}
}

// Print выводит данные: таблицу или JSON в зависимости от режима.
func (o *Output) Print(headers []string, rows [][]string, jsonData any) {
	if o.jsonMode {
		o.JSON(jsonData)
		return
	}
	o.Table(headers, rows)
}

// Table выводит данные в виде таблицы через tabwriter.
func (o *Output) Table(headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, strings.Join(headers, "\t"))

	dashes := make([]string, len(headers))
	for i, h := range headers {
		dashes[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(tw, strings.Join(dashes, "\t"))

	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}

	tw.Flush()
}

// JSON выводит данные в формате JSON с отступами.
func (o *Output) JSON(v any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// Success выводит сообщение в stderr.
func (o *Output) Success(msg string) {
	fmt.Fprintln(o.errW, msg)
}

// Runs выводит список runs.
func (o *Output) Runs(runs []domain.Run) {
	rows := make([][]string, len(runs))
	for i, r := range runs {
		rows[i] = []string{
			r.ID.String(), r.WorkflowID.String(), string(r.Status),
			string(r.Trigger), formatTime(&r.CreatedAt), r.Error,
		}
	}
	o.Print([]string{"ID", "WORKFLOW_ID", "STATUS", "TRIGGER", "CREATED", "ERROR"}, rows, runs)
}

// runView — run вместе с его steps для JSON-вывода.
type runView struct {
	*domain.Run
	Steps []domain.Step `json:"steps"`
}

// RunDetails выводит run и таблицу его steps.
func (o *Output) RunDetails(run *domain.Run, steps []domain.Step) {
	if o.jsonMode {
		o.JSON(runView{Run: run, Steps: steps})
		return
	}

	o.Table(
		[]string{"ID", "STATUS", "STARTED", "ENDED", "ERROR"},
		[][]string{{run.ID.String(), string(run.Status), formatTime(run.StartedAt), formatTime(run.EndedAt), run.Error}},
	)
	if len(steps) == 0 {
		return
	}

	fmt.Fprintln(o.w)
	rows := make([][]string, len(steps))
	for i, s := range steps {
		rows[i] = []string{
			s.NodeID, string(s.Type), string(s.Status),
			strconv.Itoa(s.Attempt) + "/" + strconv.Itoa(s.MaxAttempts),
			formatTime(s.EndedAt), s.Error,
		}
	}
	o.Table([]string{"NODE", "TYPE", "STATUS", "ATTEMPT", "ENDED", "ERROR"}, rows)
}

// Version выводит опубликованную версию workflow.
func (o *Output) Version(wf *domain.Workflow, v *domain.WorkflowVersion) {
	o.Print(
		[]string{"WORKFLOW", "WORKFLOW_ID", "VERSION", "VERSION_ID", "NODES", "EDGES"},
		[][]string{{
			wf.Name, wf.ID.String(), strconv.Itoa(v.Version), v.ID.String(),
			strconv.Itoa(len(v.DAG.Nodes)), strconv.Itoa(len(v.DAG.Edges)),
		}},
		v,
	)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
