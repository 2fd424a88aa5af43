// ============================================================================
// Beaver-Batch Loaders - work identifier producers
// ============================================================================
//
// Package: internal/loader
// File: loader.go
// Function: the producer contract, the registry that builds producers from
//           configuration, and the shared replace-pattern rewriting
//
// Protocol (driven by the dispatcher):
//   Open(ctx)        → connect, read the batch ref and the expected count
//   ExpectedCount()  → <= 0 means no work
//   BatchRef()       → optional sideband token, "" when absent
//   HasNext()/Next() → stream identifiers
//   Close()          → release resources, safe to call more than once
//
// Bundled producers:
//   file    one identifier per line, blank lines skipped
//   query   invoke a module; items are [batchRef] count id...
//   sql     PostgreSQL count query + id query
//   static  identifiers from configuration
//
// ============================================================================

package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/ChuLiYu/beaver-batch/internal/connpool"
	"github.com/ChuLiYu/beaver-batch/internal/task"
	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

// Producer names
const (
	TypeFile   = "file"
	TypeQuery  = "query"
	TypeSQL    = "sql"
	TypeStatic = "static"
)

var (
	// ErrExhausted is returned by Next when no identifier is left
	ErrExhausted = errors.New("no more identifiers")
	// ErrNotOpen is returned when a producer is used before Open
	ErrNotOpen = errors.New("loader not open")
)

// Loader produces the work identifiers of one job
type Loader interface {
	Open(ctx context.Context) error
	HasNext() (bool, error)
	Next() (types.WorkID, error)
	ExpectedCount() int
	BatchRef() string
	Close() error
}

// ConnSource hands out upstream connections (a *connpool.Pool)
type ConnSource interface {
	Get(ctx context.Context) (connpool.Conn, error)
}

// Spec carries everything a producer may need
type Spec struct {
	Type           string
	File           string
	Module         string
	ReplacePattern string // falls back to the URIS-REPLACE-PATTERN property
	DSN            string
	CountQuery     string
	IDQuery        string
	IDs            []string
	Props          task.Properties
	Conns          ConnSource
	Logger         *slog.Logger
}

func (s Spec) replacePattern() string {
	if s.ReplacePattern != "" {
		return s.ReplacePattern
	}
	return s.Props.Get(task.URIsReplacePatternKey)
}

// Factory builds a Loader from a Spec
type Factory func(spec Spec) (Loader, error)

// UnknownLoaderError is returned for a type with no registered factory
type UnknownLoaderError struct {
	Type string
}

func (e *UnknownLoaderError) Error() string {
	return fmt.Sprintf("unknown loader type %q", e.Type)
}

// Registry maps producer types to factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty Registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry holding the bundled producers
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(TypeFile, func(s Spec) (Loader, error) { return NewFile(s) })
	r.Register(TypeQuery, func(s Spec) (Loader, error) { return NewQuery(s) })
	r.Register(TypeSQL, func(s Spec) (Loader, error) { return NewSQL(s) })
	r.Register(TypeStatic, func(s Spec) (Loader, error) { return NewStatic(s.IDs, s.Props.BatchRef()), nil })
	return r
}

// Register adds or replaces a factory. Safe to call concurrently.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// New builds the producer named by spec.Type
func (r *Registry) New(spec Spec) (Loader, error) {
	r.mu.RLock()
	f, ok := r.factories[spec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownLoaderError{Type: spec.Type}
	}
	return f(spec)
}

// Types lists the registered producer types
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ============================================================================
// Replace patterns
// ============================================================================

type replacement struct {
	re   *regexp.Regexp
	with string
}

// Rewriter applies regex,replacement pairs to every identifier in order
type Rewriter []replacement

// ParseReplacePattern parses "regex,replacement[,regex,replacement...]"
func ParseReplacePattern(pattern string) (Rewriter, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, nil
	}
	parts := strings.Split(pattern, ",")
	if len(parts)%2 != 0 {
		return nil, fmt.Errorf("invalid replace pattern %q: needs regex,replacement pairs", pattern)
	}
	out := make(Rewriter, 0, len(parts)/2)
	for i := 0; i < len(parts); i += 2 {
		re, err := regexp.Compile(parts[i])
		if err != nil {
			return nil, fmt.Errorf("invalid replace pattern regex %q: %w", parts[i], err)
		}
		out = append(out, replacement{re: re, with: parts[i+1]})
	}
	return out, nil
}

// Apply rewrites id
func (r Rewriter) Apply(id string) string {
	for _, rep := range r {
		id = rep.re.ReplaceAllString(id, rep.with)
	}
	return id
}
