package redundancy

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/parkgate-core/internal/device"
)

// failureWindow is an immutable counter value. It is replaced as a whole
// by compare-and-swap.
type failureWindow struct {
	count int
	start time.Time
}

type failureEntry struct {
	class device.Class
	state atomic.Pointer[failureWindow]
}

// FailureStore holds the failure counters and backup-in-use flags of the
// process. All operations are lock-free and safe for concurrent use.
type FailureStore struct {
	counters sync.Map // operation name -> *failureEntry
	backup   sync.Map // device.Class -> *atomic.Bool
	now      func() time.Time
}

// NewFailureStore creates an empty store.
func NewFailureStore() *FailureStore {
	return &FailureStore{now: time.Now}
}

func (s *FailureStore) entry(class device.Class, name string) *failureEntry {
	if v, ok := s.counters.Load(name); ok {
		return v.(*failureEntry)
	}
	e := &failureEntry{class: class}
	e.state.Store(&failureWindow{})
	v, _ := s.counters.LoadOrStore(name, e)
	return v.(*failureEntry)
}

// Increment records one exhausted operation and returns the failure count
// within the current window. The window opens at the first failure; once
// it is older than window the count restarts at 1. A zero window never
// expires.
func (s *FailureStore) Increment(class device.Class, name string, window time.Duration) int {
	e := s.entry(class, name)
	now := s.now()
	for {
		old := e.state.Load()
		next := &failureWindow{count: old.count + 1, start: old.start}
		if old.count == 0 || (window > 0 && now.Sub(old.start) > window) {
			next = &failureWindow{count: 1, start: now}
		}
		if e.state.CompareAndSwap(old, next) {
			return next.count
		}
	}
}

// Count returns the current failure count of an operation.
func (s *FailureStore) Count(name string) int {
	v, ok := s.counters.Load(name)
	if !ok {
		return 0
	}
	return v.(*failureEntry).state.Load().count
}

// Reset sets an operation's failure count to zero.
func (s *FailureStore) Reset(name string) {
	if v, ok := s.counters.Load(name); ok {
		v.(*failureEntry).state.Store(&failureWindow{})
	}
}

// ResetClass zeroes the counters of every operation of a class.
func (s *FailureStore) ResetClass(class device.Class) {
	s.counters.Range(func(_, v any) bool {
		e := v.(*failureEntry)
		if e.class == class {
			e.state.Store(&failureWindow{})
		}
		return true
	})
}

func (s *FailureStore) flag(class device.Class) *atomic.Bool {
	if v, ok := s.backup.Load(class); ok {
		return v.(*atomic.Bool)
	}
	v, _ := s.backup.LoadOrStore(class, new(atomic.Bool))
	return v.(*atomic.Bool)
}

// UsingBackup reports whether a class is currently served by its backup.
func (s *FailureStore) UsingBackup(class device.Class) bool {
	v, ok := s.backup.Load(class)
	if !ok {
		return false
	}
	return v.(*atomic.Bool).Load()
}

// SetUsingBackup sets the backup flag of a class and reports whether it
// changed.
func (s *FailureStore) SetUsingBackup(class device.Class, using bool) bool {
	return s.flag(class).CompareAndSwap(!using, using)
}

// ClassesOnBackup returns the classes currently served by a backup, sorted.
func (s *FailureStore) ClassesOnBackup() []device.Class {
	var out []device.Class
	s.backup.Range(func(k, v any) bool {
		if v.(*atomic.Bool).Load() {
			out = append(out, k.(device.Class))
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
