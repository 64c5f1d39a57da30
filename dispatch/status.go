package dispatch

import (
	"sync"
	"time"

	"github.com/arloliu/go-devctl/control"
)

// statusEntry is one recurring status probe.
type statusEntry struct {
	cmd     control.Command
	period  time.Duration
	lastRun time.Time
}

// statusScheduler tracks the recurring status probes of one dispatcher.
// Entries are keyed by (operation, target) so re-adding a probe replaces it.
type statusScheduler struct {
	mu      sync.Mutex
	entries map[string]*statusEntry
	order   []string // insertion order, so probe results broadcast deterministically
}

func newStatusScheduler() *statusScheduler {
	return &statusScheduler{entries: make(map[string]*statusEntry)}
}

func statusKey(cmd control.Command) string {
	return cmd.Operation + "_" + cmd.Target
}

// add inserts or replaces the probe for cmd. A replaced probe keeps its
// position but resets its clock, so the new period takes effect immediately.
func (s *statusScheduler) add(cmd control.Command, period time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := statusKey(cmd)
	if _, ok := s.entries[key]; !ok {
		s.order = append(s.order, key)
	}
	s.entries[key] = &statusEntry{cmd: cmd, period: period}
}

// remove deletes the probe keyed by cmd's (operation, target). It returns
// false if no such probe exists.
func (s *statusScheduler) remove(cmd control.Command) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := statusKey(cmd)
	if _, ok := s.entries[key]; !ok {
		return false
	}

	delete(s.entries, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}

	return true
}

// takeDue returns the commands of every probe whose period has elapsed at
// now, marking them as run. The zero lastRun makes a fresh probe due
// immediately.
func (s *statusScheduler) takeDue(now time.Time) []control.Command {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []control.Command
	for _, key := range s.order {
		entry := s.entries[key]
		if now.Sub(entry.lastRun) >= entry.period {
			due = append(due, entry.cmd)
			entry.lastRun = now
		}
	}

	return due
}

// len returns the number of scheduled probes.
func (s *statusScheduler) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}
