package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/aretw0/espalier/pkg/domain"
)

const ext = ".json"

// Store implements ports.CheckpointStore on the local filesystem.
// Each thread is a directory holding one JSON file per step.
type Store struct {
	BasePath string
}

// New creates a new Store with the given base path.
// If basePath is empty, it defaults to ".espalier/threads".
func New(basePath string) *Store {
	if basePath == "" {
		basePath = filepath.Join(".espalier", "threads")
	}
	return &Store{BasePath: basePath}
}

// threadDir maps a thread id to one directory directly under BasePath.
// PathEscape keeps separators out of the name; a leading dot is escaped too,
// so "." and ".." never resolve to BasePath or its parent.
func (s *Store) threadDir(threadID string) string {
	name := url.PathEscape(threadID)
	if strings.HasPrefix(name, ".") {
		name = "%2E" + name[1:]
	}
	return filepath.Join(s.BasePath, name)
}

func stepFile(step int) string {
	return fmt.Sprintf("%08d%s", step, ext)
}

// Save appends the checkpoint. The file is written to a temp file, synced,
// then hard-linked into place, which fails if another writer already took the step.
func (s *Store) Save(ctx context.Context, cp *domain.Checkpoint) error {
	if cp.ThreadID == "" {
		return fmt.Errorf("threadID cannot be empty")
	}

	dir := s.threadDir(cp.ThreadID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to ensure thread directory: %w", err)
	}

	steps, err := s.ListSteps(ctx, cp.ThreadID)
	if err != nil {
		return err
	}
	if cp.Step != len(steps) {
		return &domain.ConcurrentModificationError{ThreadID: cp.ThreadID, Expected: len(steps), Actual: cp.Step}
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	// Same directory keeps the link on one filesystem.
	tmpFile, err := os.CreateTemp(dir, "tmp-*"+ext)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to fsync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Link(tmpPath, filepath.Join(dir, stepFile(cp.Step))); err != nil {
		if errors.Is(err, os.ErrExist) {
			return &domain.ConcurrentModificationError{ThreadID: cp.ThreadID, Expected: cp.Step + 1, Actual: cp.Step}
		}
		return fmt.Errorf("failed to publish checkpoint: %w", err)
	}
	return nil
}

// LoadLatest reads the highest step of the thread.
func (s *Store) LoadLatest(ctx context.Context, threadID string) (*domain.Checkpoint, error) {
	steps, err := s.ListSteps(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, domain.ErrThreadNotFound
	}
	return s.LoadAt(ctx, threadID, steps[len(steps)-1])
}

// LoadAt reads one step of the thread.
func (s *Store) LoadAt(ctx context.Context, threadID string, step int) (*domain.Checkpoint, error) {
	data, err := os.ReadFile(filepath.Join(s.threadDir(threadID), stepFile(step)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var cp domain.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// ListSteps returns the step indices present on disk, ascending.
func (s *Store) ListSteps(ctx context.Context, threadID string) ([]int, error) {
	entries, err := os.ReadDir(s.threadDir(threadID))
	if err != nil {
		if os.IsNotExist(err) {
			return []int{}, nil
		}
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	steps := []int{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, "tmp-") || filepath.Ext(name) != ext {
			continue
		}
		step, err := strconv.Atoi(strings.TrimSuffix(name, ext))
		if err != nil {
			continue
		}
		steps = append(steps, step)
	}
	sort.Ints(steps)
	return steps, nil
}

// Delete removes the thread directory.
func (s *Store) Delete(ctx context.Context, threadID string) error {
	if threadID == "" {
		return fmt.Errorf("threadID cannot be empty")
	}
	if err := os.RemoveAll(s.threadDir(threadID)); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	return nil
}

// List returns all thread IDs.
func (s *Store) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.BasePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}

	threads := []string{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := url.PathUnescape(entry.Name())
		if err != nil {
			continue
		}
		threads = append(threads, id)
	}
	sort.Strings(threads)
	return threads, nil
}
