// Package statusfile owns the one externally-observable status
// artifact this daemon writes: a three-valued sink describing the
// progress of the current reconciliation ticket.
package statusfile

import (
	"os"
	"sync"

	"github.com/pkg/errors"
)

// Status is the three-valued cluster-status sink value.
type Status string

const (
	NotStarted Status = "NOT_STARTED"
	InProgress Status = "IN_PROGRESS"
	Done       Status = "DONE"
)

// Sink writes Status transitions to a single file, one write at a
// time. Concurrent readers see the old or new content, never partial,
// because each write replaces the file's full contents.
type Sink struct {
	mu   sync.Mutex
	path string
}

func NewSink(path string) *Sink {
	return &Sink{path: path}
}

func (s *Sink) Set(status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(status), 0o644); err != nil {
		return errors.Wrapf(err, "writing cluster status file %s", s.path)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrapf(err, "writing cluster status file %s", s.path)
	}
	return nil
}

func (s *Sink) Get() (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return NotStarted, nil
		}
		return "", errors.Wrapf(err, "reading cluster status file %s", s.path)
	}
	return Status(b), nil
}
