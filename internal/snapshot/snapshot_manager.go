package snapshot

// ============================================================================
// Responsibilities:
// 1. Serialise the final JobStats of a run into a stats document
// 2. Atomic write (temp file + rename) so readers never see a partial file
// 3. JSON by default, YAML when the path ends in .yaml or .yml
// 4. Load validates the schema version (used by `beaver-batch status --file`)
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

// SchemaVersion of the stats document
const SchemaVersion = 1

var (
	ErrCorruptedDocument   = errors.New("stats document is corrupted")
	ErrIncompatibleVersion = errors.New("stats document schema version is incompatible")
	ErrDocumentNotFound    = errors.New("stats document not found")
)

// Document is what lands on disk
type Document struct {
	SchemaVer int            `json:"schema_version" yaml:"schema_version"`
	WrittenAt time.Time      `json:"written_at" yaml:"written_at"`
	Outcome   types.Outcome  `json:"outcome,omitempty" yaml:"outcome,omitempty"`
	Error     string         `json:"error,omitempty" yaml:"error,omitempty"`
	Stats     types.JobStats `json:"stats" yaml:"stats"`
}

// Manager writes and reads one stats document
type Manager struct {
	path string
	mu   sync.Mutex
}

// NewManager creates a manager for path
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

func (m *Manager) isYAML() bool {
	ext := strings.ToLower(filepath.Ext(m.path))
	return ext == ".yaml" || ext == ".yml"
}

// Write stores doc atomically
func (m *Manager) Write(doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc.SchemaVer = SchemaVersion
	if doc.WrittenAt.IsZero() {
		doc.WrittenAt = time.Now().UTC()
	}

	var (
		data []byte
		err  error
	)
	if m.isYAML() {
		data, err = yaml.Marshal(doc)
	} else {
		data, err = json.MarshalIndent(doc, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal stats document: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp stats document: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename stats document: %w", err)
	}
	return nil
}

// WriteStats is shorthand for a document holding s and the run outcome
func (m *Manager) WriteStats(s types.JobStats, outcome types.Outcome, runErr error) error {
	doc := Document{Outcome: outcome, Stats: s}
	if runErr != nil {
		doc.Error = runErr.Error()
	}
	return m.Write(doc)
}

// Load reads and validates the document
func (m *Manager) Load() (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var doc Document
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, fmt.Errorf("%w: %s", ErrDocumentNotFound, m.path)
		}
		return doc, fmt.Errorf("failed to read stats document: %w", err)
	}

	if m.isYAML() {
		err = yaml.Unmarshal(data, &doc)
	} else {
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return doc, fmt.Errorf("%w: %v", ErrCorruptedDocument, err)
	}

	if doc.SchemaVer != SchemaVersion {
		return doc, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, doc.SchemaVer, SchemaVersion)
	}
	return doc, nil
}

// Exists reports whether the document file exists
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath returns the document path
func (m *Manager) GetPath() string {
	return m.path
}
