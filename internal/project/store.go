package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/benjaminshoemaker/foreman/internal/taskid"
)

const (
	// Dir is the project metadata directory, created by `foreman init`.
	Dir = ".foreman"

	projectFileName = "project.json"
)

// Store is the document persistence collaborator. Failures are fatal to
// the current save call only; in-memory state stays authoritative and
// the next save retries.
type Store interface {
	ReadProject() (*Document, error)
	UpdateMeta(m *Meta) error
	UpdateTask(phase int, t *Task) error
	RecordResult(r *TaskResult) error
	DeleteResult(id taskid.ID) error
}

// FileStore persists the project as a single JSON document with atomic
// temp-file-plus-rename writes.
type FileStore struct {
	mu  sync.Mutex
	dir string
	doc *Document
}

// NewFileStore creates a store rooted at the given project directory
// (the directory containing project.json).
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// DefaultDir returns the project directory under the current working
// directory.
func DefaultDir() string {
	return Dir
}

// Exists reports whether a project document exists under dir.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, projectFileName))
	return err == nil
}

// ReadProject loads project.json from disk. The returned document is the
// caller's to own; subsequent Update calls mutate the store's private
// copy before writing.
func (s *FileStore) ReadProject() (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	s.doc = doc

	// Hand out an independent copy so store internals never alias the
	// state manager's graph.
	copied, err := cloneDocument(doc)
	if err != nil {
		return nil, err
	}
	return copied, nil
}

// UpdateMeta persists new metadata.
func (s *FileStore) UpdateMeta(m *Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return err
	}
	s.doc.Meta = *m
	return s.flush()
}

// UpdateTask persists one task within the given phase.
func (s *FileStore) UpdateTask(phase int, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return err
	}
	ph := s.doc.Phase(phase)
	if ph == nil {
		return fmt.Errorf("phase %d not found in stored project", phase)
	}
	stored := ph.Task(t.ID)
	if stored == nil {
		return fmt.Errorf("task %s not found in stored phase %d", t.ID, phase)
	}
	*stored = *t
	return s.flush()
}

// RecordResult persists a task result, replacing any prior result for
// the same task id.
func (s *FileStore) RecordResult(r *TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return err
	}
	if s.doc.Results == nil {
		s.doc.Results = make(map[string]TaskResult)
	}
	s.doc.Results[r.TaskID.String()] = *r
	return s.flush()
}

// DeleteResult removes a task's recorded result, e.g. when a retry
// voids the prior attempt's outcome. Deleting an absent result is a
// no-op.
func (s *FileStore) DeleteResult(id taskid.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return err
	}
	if _, ok := s.doc.Results[id.String()]; !ok {
		return nil
	}
	delete(s.doc.Results, id.String())
	return s.flush()
}

// Init creates the project directory layout and writes the initial
// document. It fails if a project already exists.
func Init(dir string, doc *Document) error {
	if Exists(dir) {
		return fmt.Errorf("project already initialized at %s", dir)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create project directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	if err := writeDocument(dir, doc); err != nil {
		return err
	}
	// Empty journal so observers can tail it from the start.
	journalPath := filepath.Join(dir, journalFileName)
	if err := os.WriteFile(journalPath, []byte{}, 0644); err != nil {
		return fmt.Errorf("failed to create %s: %w", journalFileName, err)
	}
	return nil
}

// ValidateDocument checks structural soundness of an imported document:
// phase numbers positive and unique, task ids parse into the phase they
// live in, and no duplicate ids.
func ValidateDocument(doc *Document) error {
	if doc.Name == "" {
		return fmt.Errorf("project name is required")
	}
	seenPhase := make(map[int]bool)
	seenTask := make(map[taskid.ID]bool)
	for i := range doc.Phases {
		ph := &doc.Phases[i]
		if ph.Number < 1 {
			return fmt.Errorf("phase number %d must be positive", ph.Number)
		}
		if seenPhase[ph.Number] {
			return fmt.Errorf("duplicate phase number %d", ph.Number)
		}
		seenPhase[ph.Number] = true
		for j := range ph.Tasks {
			t := &ph.Tasks[j]
			if t.ID.Major != ph.Number {
				return fmt.Errorf("task %s does not belong to phase %d", t.ID, ph.Number)
			}
			if seenTask[t.ID] {
				return fmt.Errorf("duplicate task id %s", t.ID)
			}
			seenTask[t.ID] = true
			if t.Status == "" {
				t.Status = StatusPending
			}
		}
	}
	if !doc.Meta.Stage.Valid() {
		return fmt.Errorf("unknown pipeline stage %q", doc.Meta.Stage)
	}
	return nil
}

func (s *FileStore) ensureLoaded() error {
	if s.doc != nil {
		return nil
	}
	doc, err := s.load()
	if err != nil {
		return err
	}
	s.doc = doc
	return nil
}

func (s *FileStore) load() (*Document, error) {
	path := filepath.Join(s.dir, projectFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", projectFileName, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", projectFileName, err)
	}
	return &doc, nil
}

func (s *FileStore) flush() error {
	return writeDocument(s.dir, s.doc)
}

// writeDocument atomically writes project.json via temp file + rename.
func writeDocument(dir string, doc *Document) error {
	path := filepath.Join(dir, projectFileName)
	tmpPath := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal project: %w", err)
	}
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// cloneDocument deep-copies via JSON round trip. Documents are small and
// this runs once per process.
func cloneDocument(doc *Document) (*Document, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to clone project: %w", err)
	}
	var out Document
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to clone project: %w", err)
	}
	return &out, nil
}
