package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shaiso/agentflow/internal/domain"
)

// fakeSource — VersionSource в памяти.
type fakeSource struct {
	workflows map[string]*domain.Workflow
	versions  map[uuid.UUID]*domain.WorkflowVersion
	calls     int
}

func (f *fakeSource) GetWorkflowByName(_ context.Context, _ uuid.UUID, name string) (*domain.Workflow, error) {
	wf, ok := f.workflows[name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return wf, nil
}

func (f *fakeSource) GetVersion(_ context.Context, id uuid.UUID) (*domain.WorkflowVersion, error) {
	f.calls++
	v, ok := f.versions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return v, nil
}

func newFakeSource(spec domain.DAGSpec) (*fakeSource, uuid.UUID) {
	versionID := uuid.New()
	wf := &domain.Workflow{ID: uuid.New(), Name: "sync", LatestVersionID: &versionID}
	return &fakeSource{
		workflows: map[string]*domain.Workflow{
			"sync":  wf,
			"draft": {ID: uuid.New(), Name: "draft"},
		},
		versions: map[uuid.UUID]*domain.WorkflowVersion{
			versionID: {ID: versionID, WorkflowID: wf.ID, Version: 1, DAG: spec},
		},
	}, versionID
}

func TestLoadVersion(t *testing.T) {
	src, versionID := newFakeSource(domain.DAGSpec{Nodes: []domain.NodeDef{action("A")}})

	wf, version, dag, err := LoadVersion(context.Background(), src, uuid.New(), "sync")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wf.Name != "sync" || version.ID != versionID || dag.Size() != 1 {
		t.Errorf("unexpected result: %v %v %d", wf.Name, version.ID, dag.Size())
	}
}

func TestLoadVersion_NotFound(t *testing.T) {
	src, _ := newFakeSource(domain.DAGSpec{})

	for _, name := range []string{"missing", "draft"} {
		_, _, _, err := LoadVersion(context.Background(), src, uuid.New(), name)
		if !errors.Is(err, ErrWorkflowNotFound) {
			t.Errorf("%s: expected ErrWorkflowNotFound, got %v", name, err)
		}
	}
}

func TestLoadVersion_InvalidDag(t *testing.T) {
	src, _ := newFakeSource(domain.DAGSpec{
		Nodes: []domain.NodeDef{action("A"), action("B")},
		Edges: []domain.EdgeDef{edge("A", "B"), edge("B", "A")},
	})

	_, _, _, err := LoadVersion(context.Background(), src, uuid.New(), "sync")
	if !errors.Is(err, ErrInvalidDag) {
		t.Errorf("expected ErrInvalidDag, got %v", err)
	}
}

func TestLoader_CachesByVersion(t *testing.T) {
	src, versionID := newFakeSource(domain.DAGSpec{Nodes: []domain.NodeDef{action("A")}})
	loader := NewLoader(src)

	for i := 0; i < 3; i++ {
		if _, _, err := loader.ForVersion(context.Background(), versionID); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if _, _, _, err := loader.Load(context.Background(), uuid.New(), "sync"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if src.calls != 1 {
		t.Errorf("expected version to be loaded once, got %d", src.calls)
	}
}
