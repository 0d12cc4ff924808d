package logbuffer

import (
	"sync"
	"time"
)

// LogEntry is one captured log line.
type LogEntry struct {
	Time      time.Time `json:"time"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
}

// RingBuffer is a fixed-size, thread-safe buffer for log entries.
type RingBuffer struct {
	entries []LogEntry
	size    int
	start   int
	count   int
	mu      sync.Mutex
}

func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1
	}
	return &RingBuffer{
		entries: make([]LogEntry, size),
		size:    size,
	}
}

// Add stores entry, overwriting the oldest one when full.
func (rb *RingBuffer) Add(entry LogEntry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.entries[(rb.start+rb.count)%rb.size] = entry
	if rb.count < rb.size {
		rb.count++
	} else {
		rb.start = (rb.start + 1) % rb.size
	}
}

func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// GetFiltered returns up to limit entries of the given level (all levels when
// empty, no limit when limit <= 0) in chronological order, newest kept.
func (rb *RingBuffer) GetFiltered(level string, limit int) []LogEntry {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	var filtered []LogEntry
	for i := rb.count - 1; i >= 0; i-- {
		entry := rb.entries[(rb.start+i)%rb.size]
		if level != "" && entry.Level != level {
			continue
		}
		filtered = append(filtered, entry)
		if limit > 0 && len(filtered) >= limit {
			break
		}
	}
	for i, j := 0, len(filtered)-1; i < j; i, j = i+1, j-1 {
		filtered[i], filtered[j] = filtered[j], filtered[i]
	}
	return filtered
}

func (rb *RingBuffer) GetAll() []LogEntry {
	return rb.GetFiltered("", 0)
}
