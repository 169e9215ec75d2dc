// Package httpapi exposes the oracle over REST. Privileged routes expect a
// bearer capability token; read routes are open.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	domain "github.com/lendscope/yieldoracle/internal/app/domain/yield"
	"github.com/lendscope/yieldoracle/internal/app/metrics"
	yieldsvc "github.com/lendscope/yieldoracle/internal/app/services/yield"
	"github.com/lendscope/yieldoracle/internal/auth"
)

// handler bundles the HTTP endpoints for the yield oracle.
type handler struct {
	oracle *yieldsvc.Service
	gate   *auth.Gate
}

// NewHandler returns a mux exposing the oracle REST API. The gate may be nil,
// in which case every caller carries an empty capability and privileged
// routes always answer 401.
func NewHandler(oracle *yieldsvc.Service, gate *auth.Gate, limit rate.Limit) http.Handler {
	h := &handler{oracle: oracle, gate: gate}
	mux := http.NewServeMux()
	mux.HandleFunc("/assets", h.assets)
	mux.HandleFunc("/assets/", h.assetResources)
	mux.HandleFunc("/refresh", h.refresh)
	mux.HandleFunc("/healthz", h.health)
	mux.Handle("/metrics", metrics.Handler())

	var wrapped http.Handler = mux
	if limit > 0 {
		wrapped = throttle(rate.NewLimiter(limit, int(limit)+1), wrapped)
	}
	return metrics.InstrumentHandler(wrapped)
}

type assetResponse struct {
	Symbol   string `json:"asset"`
	Source   string `json:"source"`
	Capacity int    `json:"capacity"`
	Position int    `json:"position"`
}

type snapshotResponse struct {
	Timestamp int64  `json:"timestamp"`
	Rate      string `json:"rate"`
	Empty     bool   `json:"empty,omitempty"`
}

func (h *handler) assets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var payload struct {
			Asset  string `json:"asset"`
			Source string `json:"source"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		created, err := h.oracle.Register(r.Context(), h.capability(r), payload.Asset, payload.Source)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, toAssetResponse(created))

	case http.MethodGet:
		assets, err := h.oracle.Assets(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out := make([]assetResponse, 0, len(assets))
		for _, a := range assets {
			out = append(out, toAssetResponse(a))
		}
		writeJSON(w, http.StatusOK, out)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) assetResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/assets"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	symbol := parts[0]

	if len(parts) != 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch parts[1] {
	case "yield":
		h.assetYield(w, r, symbol)
	case "snapshots":
		h.assetSnapshots(w, r, symbol)
	case "history":
		h.assetHistory(w, r, symbol)
	case "latch":
		h.assetLatch(w, r, symbol)
	case "capacity":
		h.assetCapacity(w, r, symbol)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) assetYield(w http.ResponseWriter, r *http.Request, symbol string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	avg, err := h.oracle.Yield(r.Context(), symbol)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"asset": strings.ToUpper(symbol),
		"yield": domain.FormatRate(avg),
		"raw":   avg.String(),
	})
}

func (h *handler) assetSnapshots(w http.ResponseWriter, r *http.Request, symbol string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	write, snaps, err := h.oracle.Snapshots(r.Context(), symbol)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	out := make([]snapshotResponse, 0, len(snaps))
	for _, s := range snaps {
		item := snapshotResponse{Timestamp: s.Timestamp}
		if s.Populated {
			item.Rate = domain.FormatRate(s.Rate)
		} else {
			item.Empty = true
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"asset":       strings.ToUpper(symbol),
		"write_index": write,
		"snapshots":   out,
	})
}

func (h *handler) assetHistory(w http.ResponseWriter, r *http.Request, symbol string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	records, err := h.oracle.History(r.Context(), symbol)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *handler) assetLatch(w http.ResponseWriter, r *http.Request, symbol string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	snap, err := h.oracle.RefreshOne(r.Context(), h.capability(r), symbol)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotResponse{
		Timestamp: snap.Timestamp,
		Rate:      domain.FormatRate(snap.Rate),
	})
}

func (h *handler) assetCapacity(w http.ResponseWriter, r *http.Request, symbol string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Capacity int `json:"capacity"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	effective, err := h.oracle.Resize(r.Context(), h.capability(r), symbol, payload.Capacity)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"asset":    strings.ToUpper(symbol),
		"capacity": effective,
	})
}

func (h *handler) refresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	results, err := h.oracle.RefreshAll(r.Context(), h.capability(r))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	type item struct {
		Asset string `json:"asset"`
		Rate  string `json:"rate,omitempty"`
		Error string `json:"error,omitempty"`
	}
	out := make([]item, 0, len(results))
	for _, res := range results {
		it := item{Asset: res.Symbol}
		if res.Err != nil {
			it.Error = res.Err.Error()
		} else {
			it.Rate = domain.FormatRate(res.Snapshot.Rate)
		}
		out = append(out, it)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// capability extracts and verifies the bearer token. An absent or invalid
// token yields the zero capability; the services reject it where privilege
// is required.
func (h *handler) capability(r *http.Request) auth.Capability {
	if h.gate == nil {
		return auth.Capability{}
	}
	header := r.Header.Get("Authorization")
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" || token == header {
		return auth.Capability{}
	}
	capability, err := h.gate.Verify(token)
	if err != nil {
		return auth.Capability{}
	}
	return capability
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnknownAsset):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrInsufficientSamples):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidAsset), errors.Is(err, domain.ErrCapacityTooLarge):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func throttle(limiter *rate.Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func toAssetResponse(a domain.Asset) assetResponse {
	return assetResponse{
		Symbol:   a.Symbol,
		Source:   a.Source,
		Capacity: a.Capacity,
		Position: a.Position,
	}
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
