package monitor

import (
	"encoding/json"
	"io"
	"strconv"
	"time"
)

// LogWriter implements io.Writer for zerolog, routing log entries into
// the Collector. When used as the zerolog output, logs appear in the
// TUI log panel instead of leaking to stderr behind the alt screen.
// Numeric and boolean fields are formatted so cycle timings and row
// counts survive into the panel.
type LogWriter struct {
	collector *Collector
}

// NewLogWriter creates a LogWriter that feeds into the given Collector.
func NewLogWriter(c *Collector) *LogWriter {
	return &LogWriter{collector: c}
}

func (w *LogWriter) Write(p []byte) (int, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(p, &raw); err != nil {
		w.collector.AddLog(LogEntry{
			Time:    time.Now(),
			Level:   "info",
			Message: string(p),
		})
		return len(p), nil
	}

	entry := LogEntry{
		Time:   time.Now(),
		Fields: make(map[string]string),
	}

	if lvl, ok := raw["level"].(string); ok {
		entry.Level = lvl
	}
	if msg, ok := raw["message"].(string); ok {
		entry.Message = msg
	}
	if t, ok := raw["time"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			entry.Time = parsed
		}
	}

	for k, v := range raw {
		switch k {
		case "level", "message", "time":
			continue
		}
		switch val := v.(type) {
		case string:
			entry.Fields[k] = val
		case float64:
			entry.Fields[k] = strconv.FormatFloat(val, 'g', -1, 64)
		case bool:
			entry.Fields[k] = strconv.FormatBool(val)
		}
	}

	w.collector.AddLog(entry)
	return len(p), nil
}

var _ io.Writer = (*LogWriter)(nil)
