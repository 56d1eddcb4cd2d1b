package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shaiso/agentflow/internal/domain"
)

// VersionSource — источник workflow и их версий.
type VersionSource interface {
	GetWorkflowByName(ctx context.Context, workspaceID uuid.UUID, name string) (*domain.Workflow, error)
	GetVersion(ctx context.Context, versionID uuid.UUID) (*domain.WorkflowVersion, error)
}

// LoadVersion загружает последнюю версию workflow и строит её DAG.
//
// Возвращает ErrWorkflowNotFound, если workflow нет или у него нет
// опубликованной версии, и *InvalidDagError для некорректного документа.
func LoadVersion(ctx context.Context, src VersionSource, workspaceID uuid.UUID, workflowName string) (*domain.Workflow, *domain.WorkflowVersion, *DAG, error) {
	wf, err := findWorkflow(ctx, src, workspaceID, workflowName)
	if err != nil {
		return nil, nil, nil, err
	}

	version, dag, err := loadDAG(ctx, src, *wf.LatestVersionID)
	if err != nil {
		return nil, nil, nil, err
	}
	return wf, version, dag, nil
}

// findWorkflow ищет workflow с опубликованной версией.
func findWorkflow(ctx context.Context, src VersionSource, workspaceID uuid.UUID, name string) (*domain.Workflow, error) {
	wf, err := src.GetWorkflowByName(ctx, workspaceID, name)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
		}
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	if wf.LatestVersionID == nil {
		return nil, fmt.Errorf("%w: %s has no published version", ErrWorkflowNotFound, name)
	}
	return wf, nil
}

func loadDAG(ctx context.Context, src VersionSource, versionID uuid.UUID) (*domain.WorkflowVersion, *DAG, error) {
	version, err := src.GetVersion(ctx, versionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: version %s", ErrWorkflowNotFound, versionID)
		}
		return nil, nil, fmt.Errorf("get version: %w", err)
	}

	dag, err := BuildDAG(&version.DAG)
	if err != nil {
		return nil, nil, err
	}
	return version, dag, nil
}

// Loader кэширует построенные DAG по ID версии.
// Версии неизменяемы, поэтому кэш не инвалидируется.
type Loader struct {
	src VersionSource

	mu    sync.RWMutex
	cache map[uuid.UUID]*loaded
}

type loaded struct {
	version *domain.WorkflowVersion
	dag     *DAG
}

// NewLoader создаёт Loader поверх источника версий.
func NewLoader(src VersionSource) *Loader {
	return &Loader{
		src:   src,
		cache: make(map[uuid.UUID]*loaded),
	}
}

// Load загружает последнюю версию workflow по имени (см. LoadVersion).
func (l *Loader) Load(ctx context.Context, workspaceID uuid.UUID, workflowName string) (*domain.Workflow, *domain.WorkflowVersion, *DAG, error) {
	wf, err := findWorkflow(ctx, l.src, workspaceID, workflowName)
	if err != nil {
		return nil, nil, nil, err
	}

	version, dag, err := l.ForVersion(ctx, *wf.LatestVersionID)
	if err != nil {
		return nil, nil, nil, err
	}
	return wf, version, dag, nil
}

// ForVersion возвращает версию и её DAG по ID версии.
func (l *Loader) ForVersion(ctx context.Context, versionID uuid.UUID) (*domain.WorkflowVersion, *DAG, error) {
	l.mu.RLock()
	if entry, ok := l.cache[versionID]; ok {
		l.mu.RUnlock()
		return entry.version, entry.dag, nil
	}
	l.mu.RUnlock()

	version, dag, err := loadDAG(ctx, l.src, versionID)
	if err != nil {
		return nil, nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Повторная проверка после захвата блокировки на запись
	if entry, ok := l.cache[versionID]; ok {
		return entry.version, entry.dag, nil
	}
	l.cache[versionID] = &loaded{version: version, dag: dag}
	return version, dag, nil
}
