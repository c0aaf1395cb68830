package container

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/meigma/casc/internal/casctype"
)

// OpenFunc opens container id.
type OpenFunc func(id int) (*Container, error)

// Table lazily opens containers on first access.
//
// Each container id has its own slot lock, so concurrent first accesses to
// one id open it exactly once while other ids proceed independently. Failed
// opens are not remembered; the next access tries again.
type Table struct {
	open   OpenFunc
	logger *slog.Logger

	mu     sync.Mutex
	slots  map[int]*slot
	closed bool

	opened atomic.Int64
}

type slot struct {
	mu sync.Mutex
	c  *Container
}

// NewTable returns an empty table that opens containers with open.
func NewTable(open OpenFunc, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Table{
		open:   open,
		logger: logger,
		slots:  make(map[int]*slot),
	}
}

// Get returns container id, opening it if needed.
func (t *Table) Get(id int) (*Container, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, casctype.ErrSessionClosed
	}
	s, ok := t.slots[id]
	if !ok {
		s = &slot{}
		t.slots[id] = s
	}
	t.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return s.c, nil
	}

	c, err := t.open(id)
	if err != nil {
		t.logger.Debug("container open failed", "container", id, "error", err)
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		_ = c.Close()
		return nil, casctype.ErrSessionClosed
	}
	s.c = c
	t.opened.Add(1)
	t.logger.Debug("container opened", "container", id, "name", c.Name(), "size", c.Size())
	return c, nil
}

// Opened returns the number of containers opened so far.
func (t *Table) Opened() int {
	return int(t.opened.Load())
}

// Close closes every open container. Later calls to Get fail with
// ErrSessionClosed.
func (t *Table) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	var open []*Container
	for _, s := range t.slots {
		if s.c != nil {
			open = append(open, s.c)
		}
	}
	t.slots = nil
	t.mu.Unlock()

	var errs []error
	for _, c := range open {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
