package queue

// ============================================================================
// Spill file
// Responsibilities:
// 1. Append identifiers as newline-terminated records (append-only)
// 2. Read them back in order through an independent read handle
// 3. Track how many records are written but not yet read
// 4. Remove the file once it is fully drained or the queue is cleared
// ============================================================================

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

type spillFile struct {
	path    string
	writer  *os.File
	readerF *os.File
	reader  *bufio.Reader
	unread  int // records appended but not yet read back
}

// openSpillFile creates a fresh temp file in dir with separate write and read handles
func openSpillFile(dir string) (*spillFile, error) {
	w, err := os.CreateTemp(dir, "beaver-spill-*.uris")
	if err != nil {
		return nil, fmt.Errorf("failed to create spill file: %w", err)
	}

	r, err := os.Open(w.Name())
	if err != nil {
		w.Close()
		os.Remove(w.Name())
		return nil, fmt.Errorf("failed to open spill file for reading: %w", err)
	}

	return &spillFile{
		path:    w.Name(),
		writer:  w,
		readerF: r,
		reader:  bufio.NewReaderSize(r, 64*1024),
	}, nil
}

// append writes one record. The write goes straight to the file so the
// read handle always sees complete lines.
func (s *spillFile) append(id types.WorkID) error {
	if _, err := s.writer.WriteString(string(id) + "\n"); err != nil {
		return fmt.Errorf("failed to append to spill file: %w", err)
	}
	s.unread++
	return nil
}

// next reads the oldest unread record
func (s *spillFile) next() (types.WorkID, error) {
	if s.unread == 0 {
		return "", io.EOF
	}
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read spill file: %w", err)
	}
	s.unread--
	return types.WorkID(strings.TrimSuffix(line, "\n")), nil
}

func (s *spillFile) drained() bool {
	return s.unread == 0
}

// remove closes both handles and deletes the file
func (s *spillFile) remove() error {
	var firstErr error
	if err := s.writer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.readerF.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
