package worker

import "errors"

// Ошибки воркера.
var (
	// ErrUnknownNodeType — у узла тип, который воркер не умеет выполнять.
	ErrUnknownNodeType = errors.New("unknown node type")

	// ErrNodeNotFound — узла job нет в DAG версии run.
	ErrNodeNotFound = errors.New("node not found in workflow version")
)
