package loader

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ChuLiYu/beaver-batch/internal/logging"
	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

// maxLineSize bounds one identifier line
const maxLineSize = 1 << 20

// File reads one identifier per line. The expected count is the number of
// non-blank lines, taken in a first pass over the file.
type File struct {
	path    string
	rewrite Rewriter
	log     *slog.Logger

	f       *os.File
	scanner *bufio.Scanner
	total   int
	next    string
	hasNext bool
}

// NewFile creates a file producer for spec.File
func NewFile(spec Spec) (*File, error) {
	if spec.File == "" {
		return nil, fmt.Errorf("file loader needs a file")
	}
	rw, err := ParseReplacePattern(spec.replacePattern())
	if err != nil {
		return nil, err
	}
	return &File{path: spec.File, rewrite: rw, log: logging.OrDefault(spec.Logger)}, nil
}

func (l *File) Open(ctx context.Context) error {
	total, err := countLines(l.path)
	if err != nil {
		return fmt.Errorf("problem loading identifiers from %s: %w", l.path, err)
	}
	f, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("problem loading identifiers from %s: %w", l.path, err)
	}
	l.f = f
	l.total = total
	l.scanner = newScanner(f)
	l.log.Info("Opened identifier file", "path", l.path, "expected", total)
	return nil
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	sc := newScanner(f)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			n++
		}
	}
	return n, sc.Err()
}

func newScanner(f *os.File) *bufio.Scanner {
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	return sc
}

func (l *File) HasNext() (bool, error) {
	if l.scanner == nil {
		return false, ErrNotOpen
	}
	if l.hasNext {
		return true, nil
	}
	for l.scanner.Scan() {
		if line := strings.TrimSpace(l.scanner.Text()); line != "" {
			l.next, l.hasNext = line, true
			return true, nil
		}
	}
	if err := l.scanner.Err(); err != nil {
		return false, fmt.Errorf("problem reading identifier file: %w", err)
	}
	return false, nil
}

func (l *File) Next() (types.WorkID, error) {
	ok, err := l.HasNext()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrExhausted
	}
	l.hasNext = false
	return types.WorkID(l.rewrite.Apply(l.next)), nil
}

func (l *File) ExpectedCount() int { return l.total }

// BatchRef is always empty for files
func (l *File) BatchRef() string { return "" }

func (l *File) Close() error {
	if l.f == nil {
		return nil
	}
	l.log.Info("Closing identifier file", "path", l.path)
	err := l.f.Close()
	l.f = nil
	l.scanner = nil
	return err
}
