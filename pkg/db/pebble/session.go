package pebble

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eigerco/kvbridge/pkg/status"
	"github.com/puzpuzpuz/xsync/v3"
)

type handleKind uint8

const (
	kindSnapshot handleKind = iota
	kindTransaction
	kindIterator
	kindSstWriter
)

func (k handleKind) String() string {
	switch k {
	case kindSnapshot:
		return "snapshot"
	case kindTransaction:
		return "transaction"
	case kindIterator:
		return "iterator"
	case kindSstWriter:
		return "sst writer"
	}
	return "handle"
}

type handleInfo struct {
	kind   handleKind
	opened time.Time
	// seq is the commit sequence a transaction started at.
	seq uint64
}

// session owns the liveness of a database. Every engine call runs between
// enter and leave; Close takes the write side so it never races a call in
// flight, and refuses to proceed while derived handles are registered.
type session struct {
	mu      sync.RWMutex
	closed  bool
	nextID  atomic.Uint64
	handles *xsync.MapOf[uint64, handleInfo]
}

func newSession() session {
	return session{handles: xsync.NewMapOf[uint64, handleInfo]()}
}

func (s *session) enter() error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrSessionClosed
	}
	return nil
}

func (s *session) leave() {
	s.mu.RUnlock()
}

// register must be called between enter and leave.
func (s *session) register(kind handleKind, seq uint64) uint64 {
	id := s.nextID.Add(1)
	s.handles.Store(id, handleInfo{kind: kind, opened: time.Now(), seq: seq})
	return id
}

func (s *session) release(id uint64) {
	s.handles.Delete(id)
}

// outstanding describes the registered handles, or returns nil if none are.
func (s *session) outstanding() error {
	if s.handles.Size() == 0 {
		return nil
	}
	counts := make(map[string]int)
	s.handles.Range(func(_ uint64, h handleInfo) bool {
		counts[h.kind.String()]++
		return true
	})
	parts := make([]string, 0, len(counts))
	for kind, n := range counts {
		parts = append(parts, fmt.Sprintf("%d %s", n, kind))
	}
	sort.Strings(parts)
	return status.Newf(status.Busy, "%s: %s", ErrHandlesOutstanding.Message, strings.Join(parts, ", "))
}

// oldestSeq returns the lowest start sequence among open transactions.
func (s *session) oldestSeq(fallback uint64) uint64 {
	oldest := fallback
	s.handles.Range(func(_ uint64, h handleInfo) bool {
		if h.kind == kindTransaction && h.seq < oldest {
			oldest = h.seq
		}
		return true
	})
	return oldest
}
