package logbuffer

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Airbag collects noteworthy events (failed backend commands, crashed
// handlers) so they survive in a file for the tech-support report.
type Airbag struct {
	mu   sync.Mutex
	path string
	ring *RingBuffer
}

var (
	defaultAirbag   *Airbag
	defaultAirbagMu sync.Mutex
)

func NewAirbag(path string, size int) *Airbag {
	return &Airbag{path: path, ring: NewRingBuffer(size)}
}

// SetDefault installs the process-wide airbag used by Noteworthy.
func SetDefault(a *Airbag) {
	defaultAirbagMu.Lock()
	defaultAirbag = a
	defaultAirbagMu.Unlock()
}

// Noteworthy records msg in the default airbag, if one is installed.
func Noteworthy(msg string) {
	defaultAirbagMu.Lock()
	a := defaultAirbag
	defaultAirbagMu.Unlock()
	if a != nil {
		a.Record(msg)
	}
}

func (a *Airbag) Record(msg string) {
	entry := LogEntry{Time: time.Now(), Level: "noteworthy", Message: msg}
	a.ring.Add(entry)
	if a.path == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(a.path), 0755); err != nil {
		log.Debug().Err(err).Msg("airbag directory")
		return
	}
	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Debug().Err(err).Msg("airbag file")
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s %s\n", entry.Time.Format(time.RFC3339), msg)
}

func (a *Airbag) Entries() []LogEntry {
	return a.ring.GetAll()
}
