package relay

import (
	"net/http"
	"sync/atomic"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"
)

type stats struct {
	forwarded         atomic.Uint64
	retried           atomic.Uint64
	dropped           atomic.Uint64
	unmapped          atomic.Uint64
	schemaMismatch    atomic.Uint64
	permanentFailures atomic.Uint64
}

// Statistics is a snapshot of the engine's counters
type Statistics struct {
	Forwarded         uint64 `json:"forwarded"`
	Retried           uint64 `json:"retried"`
	Dropped           uint64 `json:"dropped"`
	Unmapped          uint64 `json:"unmapped"`
	SchemaMismatch    uint64 `json:"schema_mismatch"`
	PermanentFailures uint64 `json:"permanent_failures"`
}

// Statistics returns a snapshot of the engine's counters
func (e *Engine) Statistics() Statistics {
	return Statistics{
		Forwarded:         e.stats.forwarded.Load(),
		Retried:           e.stats.retried.Load(),
		Dropped:           e.stats.dropped.Load(),
		Unmapped:          e.stats.unmapped.Load(),
		SchemaMismatch:    e.stats.schemaMismatch.Load(),
		PermanentFailures: e.stats.permanentFailures.Load(),
	}
}

// HandleStatus adds the GET /status route to the router. The route
// reports the engine's counters as JSON.
func (e *Engine) HandleStatus(router *mux.Router) {
	router.HandleFunc("/status",
		func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			json.NewEncoder(w).Encode(e.Statistics())
		}).Methods(http.MethodOptions, http.MethodGet)
}
