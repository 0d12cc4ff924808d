package logbuffer

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// Writer is a zerolog.LevelWriter that copies every JSON log line into a
// RingBuffer. Use it together with the console writer through
// zerolog.MultiLevelWriter.
type Writer struct {
	rb *RingBuffer
}

func NewWriter(rb *RingBuffer) *Writer {
	return &Writer{rb: rb}
}

func (w *Writer) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.NoLevel, p)
}

func (w *Writer) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	var raw map[string]any
	if err := json.Unmarshal(p, &raw); err != nil {
		return len(p), nil
	}
	entry := LogEntry{Time: time.Now(), Level: level.String()}
	if s, ok := raw[zerolog.LevelFieldName].(string); ok {
		entry.Level = s
	}
	if s, ok := raw[zerolog.MessageFieldName].(string); ok {
		entry.Message = s
	}
	if s, ok := raw[zerolog.ErrorFieldName].(string); ok {
		entry.Error = s
	}
	if s, ok := raw["component"].(string); ok {
		entry.Component = s
	}
	if s, ok := raw[zerolog.TimestampFieldName].(string); ok {
		if ts, err := time.Parse(zerolog.TimeFieldFormat, s); err == nil {
			entry.Time = ts
		}
	}
	w.rb.Add(entry)
	return len(p), nil
}
