package loader

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ChuLiYu/beaver-batch/internal/connpool"
	"github.com/ChuLiYu/beaver-batch/internal/logging"
	"github.com/ChuLiYu/beaver-batch/internal/task"
	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

// Query invokes a module on the upstream and reads identifiers from its
// response. The response items are an optional non-numeric batch ref, the
// count, then the identifiers.
type Query struct {
	module  string
	props   task.Properties
	conns   ConnSource
	rewrite Rewriter
	log     *slog.Logger

	items    []string
	pos      int
	total    int
	batchRef string
	open     bool
}

// NewQuery creates a query producer for spec.Module
func NewQuery(spec Spec) (*Query, error) {
	if spec.Module == "" {
		return nil, fmt.Errorf("query loader needs a module")
	}
	if spec.Conns == nil {
		return nil, fmt.Errorf("query loader needs upstream connections")
	}
	rw, err := ParseReplacePattern(spec.replacePattern())
	if err != nil {
		return nil, err
	}
	return &Query{
		module:  spec.Module,
		props:   spec.Props,
		conns:   spec.Conns,
		rewrite: rw,
		log:     logging.OrDefault(spec.Logger),
	}, nil
}

func (l *Query) Open(ctx context.Context) error {
	conn, err := l.conns.Get(ctx)
	if err != nil {
		return fmt.Errorf("while invoking identifier module: %w", err)
	}
	defer conn.Close()

	l.log.Info("Invoking identifier module", "module", l.module)
	resp, err := conn.Invoke(ctx, connpool.Request{Module: l.module, Vars: l.props.Scoped(task.ModuleURIs)})
	if err != nil {
		return fmt.Errorf("while invoking identifier module %s: %w", l.module, err)
	}

	items := resp.Items
	if len(items) > 0 && !isCount(items[0]) {
		l.batchRef = strings.TrimSpace(items[0])
		items = items[1:]
	}
	if len(items) == 0 {
		return fmt.Errorf("identifier module %s returned no count", l.module)
	}
	total, err := strconv.Atoi(strings.TrimSpace(items[0]))
	if err != nil {
		return fmt.Errorf("identifier module %s returned invalid count %q: %w", l.module, items[0], err)
	}

	l.items = items[1:]
	l.total = total
	l.open = true
	return nil
}

func isCount(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (l *Query) HasNext() (bool, error) {
	if !l.open {
		return false, ErrNotOpen
	}
	return l.pos < len(l.items), nil
}

func (l *Query) Next() (types.WorkID, error) {
	if !l.open {
		return "", ErrNotOpen
	}
	if l.pos >= len(l.items) {
		return "", ErrExhausted
	}
	id := l.items[l.pos]
	l.items[l.pos] = ""
	l.pos++
	return types.WorkID(l.rewrite.Apply(id)), nil
}

func (l *Query) ExpectedCount() int { return l.total }

func (l *Query) BatchRef() string { return l.batchRef }

func (l *Query) Close() error {
	if l.open {
		l.log.Info("Closing identifier module result", "module", l.module)
	}
	l.items = nil
	l.open = false
	return nil
}
