package task

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ChuLiYu/beaver-batch/internal/connpool"
	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

var errNoExportFile = errors.New("no export file name: set EXPORT-FILE-NAME or provide a batch ref")

// ============================================================================
// export-file
// ============================================================================

// ExportFile writes each unit's result items to a file named after the
// unit's first identifier
type ExportFile struct {
	Invoke
	dir string
}

func NewExportFile(s Spec) *ExportFile {
	return &ExportFile{Invoke: *NewInvoke(s), dir: exportDir(s)}
}

func (t *ExportFile) Run(ctx context.Context, ids []types.WorkID, props Properties, conn connpool.Conn) ([]types.WorkID, error) {
	if len(ids) == 0 {
		return nil, errors.New("export-file needs at least one identifier")
	}
	items, err := invokeModule(ctx, conn, t.module, t.moduleType, ids, props)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return ids, nil
	}
	path := filepath.Join(t.dir, baseName(string(ids[0])))
	if err := writeLines(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, "", items); err != nil {
		return nil, err
	}
	return ids, nil
}

// ============================================================================
// export-batch-file
// ============================================================================

// ExportBatchFile appends every unit's result items to one shared file.
// Appends are serialised.
type ExportBatchFile struct {
	Invoke
	dir string
	mu  sync.Mutex
}

func NewExportBatchFile(s Spec) *ExportBatchFile {
	return &ExportBatchFile{Invoke: *NewInvoke(s), dir: exportDir(s)}
}

func (t *ExportBatchFile) Run(ctx context.Context, ids []types.WorkID, props Properties, conn connpool.Conn) ([]types.WorkID, error) {
	items, err := invokeModule(ctx, conn, t.module, t.moduleType, ids, props)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return ids, nil
	}

	name := batchFileName(props, ids)
	if name == "" {
		return nil, errNoExportFile
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := writeLines(filepath.Join(t.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, "", items); err != nil {
		return nil, err
	}
	return ids, nil
}

// ============================================================================
// pre-batch-file
// ============================================================================

// PreBatchFile invokes its module once and starts the shared export file
// with the top content followed by the result items
type PreBatchFile struct {
	Invoke
	dir string
}

func NewPreBatchFile(s Spec) *PreBatchFile {
	if s.ModuleType == "" {
		s.ModuleType = ModulePreBatch
	}
	return &PreBatchFile{Invoke: *NewInvoke(s), dir: exportDir(s)}
}

func (t *PreBatchFile) Run(ctx context.Context, ids []types.WorkID, props Properties, conn connpool.Conn) ([]types.WorkID, error) {
	items, err := invokeModule(ctx, conn, t.module, t.moduleType, ids, props)
	if err != nil {
		return nil, err
	}

	top := topContent(props)
	if top == "" && len(items) == 0 {
		return ids, nil
	}
	name := batchFileName(props, ids)
	if name == "" {
		return nil, errNoExportFile
	}
	if err := writeLines(filepath.Join(t.dir, name), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, top, items); err != nil {
		return nil, err
	}
	return ids, nil
}

// ============================================================================
// post-batch-file
// ============================================================================

// PostBatchFile invokes its module once, appending any result items to the
// shared export file, then appends the bottom content
type PostBatchFile struct {
	Invoke
	dir string
}

func NewPostBatchFile(s Spec) *PostBatchFile {
	if s.ModuleType == "" {
		s.ModuleType = ModulePostBatch
	}
	return &PostBatchFile{Invoke: *NewInvoke(s), dir: exportDir(s)}
}

func (t *PostBatchFile) Run(ctx context.Context, ids []types.WorkID, props Properties, conn connpool.Conn) ([]types.WorkID, error) {
	items, err := invokeModule(ctx, conn, t.module, t.moduleType, ids, props)
	if err != nil {
		return nil, err
	}

	name := postBatchFileName(props)
	if name == "" {
		return ids, nil
	}
	path := filepath.Join(t.dir, name)
	if len(items) > 0 {
		if err := writeLines(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, "", items); err != nil {
			return nil, err
		}
	}
	if err := appendBottom(path, props.Get(BottomContentKey)); err != nil {
		return nil, err
	}
	return ids, nil
}

// appendBottom adds bottom as the last line of path. A missing file or empty
// bottom leave it untouched.
func appendBottom(path, bottom string) error {
	if bottom == "" {
		return nil
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat export file: %w", err)
	}

	sep := ""
	if info.Size() > 0 && !endsWithNewline(path) {
		sep = "\n"
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open export file: %w", err)
	}
	if _, err := f.WriteString(sep + bottom + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("write bottom content: %w", err)
	}
	return f.Close()
}

func endsWithNewline(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return false
	}
	b := make([]byte, 1)
	if _, err := f.ReadAt(b, info.Size()-1); err != nil {
		return false
	}
	return b[0] == '\n'
}

// ============================================================================
// helpers
// ============================================================================

func exportDir(s Spec) string {
	if s.ExportDir == "" {
		return "."
	}
	return s.ExportDir
}

// writeLines opens path with flag and writes top (if any) then one item per
// line
func writeLines(path string, flag int, top string, items []string) error {
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return fmt.Errorf("open export file: %w", err)
	}
	w := bufio.NewWriter(f)
	if top != "" {
		w.WriteString(top + "\n")
	}
	for _, item := range items {
		w.WriteString(item)
		w.WriteByte('\n')
	}
	err = w.Flush()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write export file %s: %w", path, err)
	}
	return nil
}

func topContent(props Properties) string {
	top := props.Get(TopContentKey)
	if ref := props.BatchRef(); ref != "" {
		top = strings.ReplaceAll(top, "@"+BatchRefKey, ref)
	}
	return strings.TrimSpace(top)
}

// batchFileName: EXPORT-FILE-NAME, else the batch ref's last path
// segment, else the first identifier's
func batchFileName(props Properties, ids []types.WorkID) string {
	if name := postBatchFileName(props); name != "" {
		return name
	}
	if len(ids) > 0 {
		return baseName(string(ids[0]))
	}
	return ""
}

func postBatchFileName(props Properties) string {
	if name := props.Get(ExportFileNameKey); name != "" {
		return name
	}
	if ref := props.BatchRef(); ref != "" {
		return baseName(ref)
	}
	return ""
}

func baseName(id string) string {
	return id[strings.LastIndex(id, "/")+1:]
}
