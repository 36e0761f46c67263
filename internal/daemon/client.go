package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/datalog"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/monitor"
)

// Client reads a running controller's HTTP API. It is read-only on
// purpose: commands reach the controller through the datastore queue,
// never through HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates an API client pointing at the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Ping checks whether the controller's API is reachable.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.get(ctx, "/healthz")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Status fetches the current runtime snapshot.
func (c *Client) Status(ctx context.Context) (*monitor.Snapshot, error) {
	var snap monitor.Snapshot
	if err := c.getJSON(ctx, "/api/v1/status", &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Logs fetches recent log entries.
func (c *Client) Logs(ctx context.Context) ([]monitor.LogEntry, error) {
	var entries []monitor.LogEntry
	if err := c.getJSON(ctx, "/api/v1/logs", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Cycles fetches the recent datalog cycle stats.
func (c *Client) Cycles(ctx context.Context) ([]datalog.CycleStat, error) {
	var stats []datalog.CycleStat
	if err := c.getJSON(ctx, "/api/v1/cycles", &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot reach controller at %s: %w", c.baseURL, err)
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %s", path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
