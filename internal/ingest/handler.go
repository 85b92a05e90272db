package ingest

import (
	"encoding/json"
	"net/http"

	"github.com/pysugar/inbox-tasks/internal/logging"
)

const maxBatchBytes = 1 << 20

// HandleNotifications serves GET|POST /api/microsoft/notifications.
//
// A validationToken query parameter is echoed back as text/plain on any
// method. Otherwise a POSTed batch is acknowledged with 202 and its events
// queued; nothing about individual events is reported back to Graph.
func (i *Ingestor) HandleNotifications(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(token))
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "missing validationToken", http.StatusBadRequest)
		return
	}

	var payload batch
	decodeErr := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBytes)).Decode(&payload)

	w.WriteHeader(http.StatusAccepted)

	if decodeErr != nil {
		logging.Printf(r.Context(), "WEBHOOK", "⚠️ Ignoring undecodable notification body: %v", decodeErr)
		return
	}
	queued := 0
	for _, n := range payload.Value {
		if i.Enqueue(n) {
			queued++
		}
	}
	if i.opts.Verbose {
		logging.Printf(r.Context(), "WEBHOOK", "📨 Accepted %d notification(s), queued %d", len(payload.Value), queued)
	}
}

// HandleStats serves the ingestion counters as JSON.
func (i *Ingestor) HandleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(i.Snapshot())
}
