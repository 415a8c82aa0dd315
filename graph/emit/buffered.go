package emit

import (
	"sort"
	"sync"
)

// BufferedEmitter keeps events in memory, grouped by run, for later
// inspection. It is mostly useful in tests and in tools that print a run's
// history after it finishes.
//
// A positive limit bounds the number of events kept per run; the oldest
// events are dropped first.
type BufferedEmitter struct {
	mu     sync.RWMutex
	limit  int
	events map[string][]Event
}

// HistoryFilter narrows GetHistoryWithFilter results. Zero fields match all.
type HistoryFilter struct {
	ExecutorID string
	Msg        string
	MinStep    *int
	MaxStep    *int
}

// NewBufferedEmitter creates an unbounded BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return NewBoundedBufferedEmitter(0)
}

// NewBoundedBufferedEmitter creates a BufferedEmitter that keeps at most
// limit events per run. A limit of zero or less means unbounded.
func NewBoundedBufferedEmitter(limit int) *BufferedEmitter {
	return &BufferedEmitter{
		limit:  limit,
		events: make(map[string][]Event),
	}
}

// Emit stores the event under its run.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	events := append(b.events[event.RunID], event)
	if b.limit > 0 && len(events) > b.limit {
		events = append([]Event(nil), events[len(events)-b.limit:]...)
	}
	b.events[event.RunID] = events
}

// GetHistory returns a copy of every event stored for runID, in emission order.
func (b *BufferedEmitter) GetHistory(runID string) []Event {
	return b.GetHistoryWithFilter(runID, HistoryFilter{})
}

// GetHistoryWithFilter returns the events of runID that match filter.
func (b *BufferedEmitter) GetHistoryWithFilter(runID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[runID] {
		if filter.matches(event) {
			result = append(result, event)
		}
	}
	return result
}

func (f HistoryFilter) matches(event Event) bool {
	if f.ExecutorID != "" && event.ExecutorID != f.ExecutorID {
		return false
	}
	if f.Msg != "" && event.Msg != f.Msg {
		return false
	}
	if f.MinStep != nil && event.Step < *f.MinStep {
		return false
	}
	if f.MaxStep != nil && event.Step > *f.MaxStep {
		return false
	}
	return true
}

// Runs lists the run ids with stored events, sorted.
func (b *BufferedEmitter) Runs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.events))
	for id := range b.events {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clear drops the events of runID, or of every run when runID is empty.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if runID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, runID)
}
