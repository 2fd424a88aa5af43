// ============================================================================
// Beaver-Batch Tasks - work unit implementations
// ============================================================================
//
// Package: internal/task
// File: task.go
// Function: the work unit contract and the registry that builds units from
//           configuration names
//
// Bundled units:
//   invoke             call the module with the unit's identifiers
//   export-file        invoke, write the result items to one file per unit
//   export-batch-file  invoke, append the result items to one shared file
//   pre-batch-file     invoke once before dispatch, start the shared file
//                      with the top content
//   post-batch-file    invoke once after a clean completion, append the
//                      result items and the bottom content to the shared file
//
// Every unit receives the job Properties and a pooled connection explicitly.
// Units are shared by all workers and must be safe for concurrent use.
//
// ============================================================================

package task

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/beaver-batch/internal/connpool"
	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

// ErrApplication marks a remote processing error. It is never retried.
var ErrApplication = connpool.ErrApplication

// Names of the bundled units
const (
	NameInvoke          = "invoke"
	NameExportFile      = "export-file"
	NameExportBatchFile = "export-batch-file"
	NamePreBatchFile    = "pre-batch-file"
	NamePostBatchFile   = "post-batch-file"
)

// Task is one kind of work unit
type Task interface {
	// Run performs the unit for ids and returns the identifiers it processed
	Run(ctx context.Context, ids []types.WorkID, props Properties, conn connpool.Conn) ([]types.WorkID, error)
}

// Spec describes the unit to build
type Spec struct {
	Name       string // registry key
	Module     string // upstream module to invoke, may be empty
	ModuleType string // property prefix, e.g. PROCESS-MODULE
	ExportDir  string // directory for file-writing units
}

// Factory builds a Task from a Spec
type Factory func(spec Spec) (Task, error)

// UnknownTaskError is returned for a name with no registered factory
type UnknownTaskError struct {
	Name string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("unknown task %q", e.Name)
}

// Registry maps unit names to factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty Registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry holding the bundled units
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NameInvoke, func(s Spec) (Task, error) { return NewInvoke(s), nil })
	r.Register(NameExportFile, func(s Spec) (Task, error) { return NewExportFile(s), nil })
	r.Register(NameExportBatchFile, func(s Spec) (Task, error) { return NewExportBatchFile(s), nil })
	r.Register(NamePreBatchFile, func(s Spec) (Task, error) { return NewPreBatchFile(s), nil })
	r.Register(NamePostBatchFile, func(s Spec) (Task, error) { return NewPostBatchFile(s), nil })
	return r
}

// Register adds or replaces a factory. Safe to call concurrently.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New builds the unit named by spec.Name
func (r *Registry) New(spec Spec) (Task, error) {
	r.mu.RLock()
	f, ok := r.factories[spec.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownTaskError{Name: spec.Name}
	}
	return f(spec)
}

// Names lists the registered unit names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
