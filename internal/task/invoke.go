package task

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ChuLiYu/beaver-batch/internal/connpool"
	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

const (
	// URIVar is the request variable carrying the unit's identifiers
	URIVar = "URI"
	// IDDelimiter joins the identifiers of a batch into URIVar
	IDDelimiter = ";"
)

var errNoConnection = errors.New("no upstream connection for module invocation")

// Invoke calls the configured module once per unit
type Invoke struct {
	module     string
	moduleType string
}

// NewInvoke builds an invoke unit. ModuleType defaults to PROCESS-MODULE.
func NewInvoke(s Spec) *Invoke {
	if s.ModuleType == "" {
		s.ModuleType = ModuleProcess
	}
	return &Invoke{module: s.Module, moduleType: s.ModuleType}
}

func (t *Invoke) Run(ctx context.Context, ids []types.WorkID, props Properties, conn connpool.Conn) ([]types.WorkID, error) {
	if _, err := invokeModule(ctx, conn, t.module, t.moduleType, ids, props); err != nil {
		return nil, err
	}
	return ids, nil
}

// invokeModule issues one request and returns the response items. An empty
// module is a no-op.
func invokeModule(ctx context.Context, conn connpool.Conn, module, moduleType string, ids []types.WorkID, props Properties) ([]string, error) {
	if module == "" {
		return nil, nil
	}
	if conn == nil {
		return nil, errNoConnection
	}

	vars := props.Scoped(moduleType)
	if len(ids) > 0 {
		vars[URIVar] = joinIDs(ids)
	}
	if ref := props.BatchRef(); ref != "" {
		vars[BatchRefKey] = ref
	}

	resp, err := conn.Invoke(ctx, connpool.Request{Module: module, Vars: vars})
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", module, err)
	}
	return resp.Items, nil
}

func joinIDs(ids []types.WorkID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, IDDelimiter)
}
