package errors

import (
	"sort"
	"sync"
	"time"
)

// Entry is the latest failure recorded for a task.
type Entry struct {
	Task      string
	Err       error
	Timestamp time.Time
}

// Message returns the error text for display.
func (e Entry) Message() string {
	if e.Err == nil {
		return ""
	}

	return e.Err.Error()
}

// ErrorCollector keeps the most recent failure of every task. A successful
// run clears the task's entry.
type ErrorCollector struct {
	entries map[string]Entry
	mutex   sync.RWMutex
}

// NewErrorCollector creates a new error collector.
func NewErrorCollector() *ErrorCollector {
	return &ErrorCollector{
		entries: make(map[string]Entry),
	}
}

// Record stores err as the latest outcome of task. A nil err clears it and
// reports whether there was an entry to clear.
func (ec *ErrorCollector) Record(task string, err error) bool {
	ec.mutex.Lock()
	defer ec.mutex.Unlock()

	if err == nil {
		_, had := ec.entries[task]
		delete(ec.entries, task)

		return had
	}

	ec.entries[task] = Entry{Task: task, Err: err, Timestamp: time.Now()}

	return true
}

// Get returns the entry for task.
func (ec *ErrorCollector) Get(task string) (Entry, bool) {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()

	e, ok := ec.entries[task]

	return e, ok
}

// All returns every recorded entry ordered by task name.
func (ec *ErrorCollector) All() []Entry {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()

	result := make([]Entry, 0, len(ec.entries))
	for _, e := range ec.entries {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Task < result[j].Task })

	return result
}

// HasErrors returns true if any task is currently failing.
func (ec *ErrorCollector) HasErrors() bool {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()

	return len(ec.entries) > 0
}

// Clear removes every entry.
func (ec *ErrorCollector) Clear() {
	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	ec.entries = make(map[string]Entry)
}
