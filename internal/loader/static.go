package loader

import (
	"context"

	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

// Static serves a fixed identifier list. ExpectedCount can be overridden to
// model a producer whose declared count is wrong.
type Static struct {
	ids      []string
	batchRef string
	expected int
	pos      int
	open     bool
	closed   bool
}

// NewStatic serves ids, declaring len(ids) as the expected count
func NewStatic(ids []string, batchRef string) *Static {
	return &Static{ids: ids, batchRef: batchRef, expected: len(ids)}
}

// WithExpected overrides the declared count
func (l *Static) WithExpected(n int) *Static {
	l.expected = n
	return l
}

func (l *Static) Open(ctx context.Context) error {
	l.open = true
	return nil
}

func (l *Static) HasNext() (bool, error) {
	if !l.open {
		return false, ErrNotOpen
	}
	return l.pos < len(l.ids), nil
}

func (l *Static) Next() (types.WorkID, error) {
	if !l.open {
		return "", ErrNotOpen
	}
	if l.pos >= len(l.ids) {
		return "", ErrExhausted
	}
	id := l.ids[l.pos]
	l.pos++
	return types.WorkID(id), nil
}

func (l *Static) ExpectedCount() int { return l.expected }

func (l *Static) BatchRef() string { return l.batchRef }

func (l *Static) Close() error {
	l.open = false
	l.closed = true
	return nil
}

// Closed reports whether Close was called
func (l *Static) Closed() bool { return l.closed }
