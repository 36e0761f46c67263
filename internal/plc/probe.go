package plc

import (
	"context"
	"fmt"
	"time"
)

type ProbeResult struct {
	Reachable bool          `json:"reachable"`
	Latency   time.Duration `json:"latency_ns"`
	Mapped    int           `json:"mapped_parameters"`
	Sampled   int           `json:"sampled_parameters"`
	Error     string        `json:"error,omitempty"`
}

// Probe connects to the PLC, samples every mapped parameter once and reports
// what it found. Used by connectivity checks before the runtime takes control
// of a tool.
func Probe(ctx context.Context, d Driver, meta Metadata) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	start := time.Now()

	result := ProbeResult{}
	for _, s := range meta.Specs() {
		if s.Readable() {
			result.Mapped++
		}
	}

	if err := d.Initialize(ctx); err != nil {
		result.Error = fmt.Sprintf("initialize: %s", err.Error())
		result.Latency = time.Since(start)
		return result
	}
	defer d.Disconnect(ctx)

	result.Reachable = true
	result.Latency = time.Since(start)

	values, err := d.ReadAllParameters(ctx)
	if err != nil {
		result.Error = fmt.Sprintf("read parameters: %s", err.Error())
		return result
	}
	result.Sampled = len(values)

	return result
}
