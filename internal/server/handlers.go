package server

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/appconfig"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/monitor"
)

type handlers struct {
	collector *monitor.Collector
	cfg       *appconfig.Config
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	snap := h.collector.Snapshot()
	writeJSON(w, snap)
}

func (h *handlers) process(w http.ResponseWriter, r *http.Request) {
	snap := h.collector.Snapshot()
	if snap.Process == nil {
		writeJSONStatus(w, http.StatusNotFound, map[string]string{"error": "no active process"})
		return
	}
	writeJSON(w, snap.Process)
}

func (h *handlers) parameters(w http.ResponseWriter, r *http.Request) {
	snap := h.collector.Snapshot()
	writeJSON(w, snap.Parameters)
}

func (h *handlers) cycles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.collector.Cycles())
}

func (h *handlers) logs(w http.ResponseWriter, r *http.Request) {
	entries := h.collector.Logs()
	writeJSON(w, entries)
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	snap := h.collector.Snapshot()
	writeJSON(w, map[string]any{
		"status":        "ok",
		"plc_connected": snap.PLCConnected,
		"feed_live":     snap.FeedLive,
		"uptime_sec":    snap.UptimeSec,
	})
}

func (h *handlers) configHandler(w http.ResponseWriter, r *http.Request) {
	if h.cfg == nil {
		writeJSON(w, map[string]string{"error": "no config available"})
		return
	}
	// Redact credentials.
	redacted := struct {
		MachineID         string `json:"machine_id"`
		DatabaseURL       string `json:"database_url"`
		PLCType           string `json:"plc_type"`
		PLCAddress        string `json:"plc_address"`
		DataLogIntervalMS int    `json:"datalog_interval_ms"`
		FeedEnabled       bool   `json:"feed_enabled"`
		Listen            string `json:"listen"`
		Port              int    `json:"port"`
	}{
		MachineID:         h.cfg.MachineID,
		DatabaseURL:       redactURL(h.cfg.Database.URL),
		PLCType:           h.cfg.PLC.Type,
		PLCAddress:        h.cfg.PLC.Address,
		DataLogIntervalMS: h.cfg.DataLog.IntervalMS,
		FeedEnabled:       h.cfg.Commands.Feed,
		Listen:            h.cfg.Server.Listen,
		Port:              h.cfg.Server.Port,
	}
	writeJSON(w, redacted)
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
