package daemon

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/simpleflo/playbookd/pkg/models"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code models.ErrorCode, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	})
}

// statusResponse is the payload returned by GET /api/v1/status.
type statusResponse struct {
	Status       string    `json:"status"`
	Uptime       string    `json:"uptime"`
	StartTime    time.Time `json:"start_time"`
	PlaybookPath string    `json:"playbook_path"`
	KPTCount     int       `json:"kpt_count"`
	PendingCount int       `json:"pending_count"`
	Version      string    `json:"version"`
	AuditLedger  bool      `json:"audit_ledger_available"`
}

// handleStatus returns a summary of daemon and playbook state.
// GET /api/v1/status
func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	d.mu.RLock()
	uptime := time.Since(d.startTime).Truncate(time.Second).String()
	d.mu.RUnlock()

	pb, err := d.storage.Load()
	if err != nil {
		writeError(w, http.StatusInternalServerError, models.ErrCorruptPlaybook, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Status:       "running",
		Uptime:       uptime,
		StartTime:    d.startTime,
		PlaybookPath: d.cfg.ResolvedPlaybookPath(),
		KPTCount:     len(pb.Stable()),
		PendingCount: len(pb.PendingOnes()),
		Version:      pb.Version,
		AuditLedger:  d.ledger != nil,
	})
}

// handlePlaybook returns the current playbook verbatim.
// GET /api/v1/playbook
func (d *Daemon) handlePlaybook(w http.ResponseWriter, r *http.Request) {
	pb, err := d.storage.Load()
	if err != nil {
		writeError(w, http.StatusInternalServerError, models.ErrCorruptPlaybook, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pb)
}

// handleHistory returns the most recent reflection ledger entries.
// GET /api/v1/history?limit=20
func (d *Daemon) handleHistory(w http.ResponseWriter, r *http.Request) {
	if d.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, models.ErrCorruptPlaybook, "audit ledger not available")
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := d.ledger.History(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, models.ErrCorruptPlaybook, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}
