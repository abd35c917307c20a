// Package http provides the HTTP transport for device-to-device sync:
// a server exposing a device's event log and a client implementing
// transport.Peer against such a server.
package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	scopes "github.com/scopekit/scopes"
	syncErrors "github.com/scopekit/scopes/errors"
	"github.com/scopekit/scopes/cursor"
	"github.com/scopekit/scopes/event"
	"github.com/scopekit/scopes/identity"
	"github.com/scopekit/scopes/logging"
)

// DefaultBatchLimit bounds GET /v1/events responses when the client does
// not ask for a specific limit.
const DefaultBatchLimit = 500

// Server exposes a local event store to peers.
type Server struct {
	store  scopes.EventStore
	device identity.DeviceID
	logger *logging.Logger

	batchLimit int
}

// NewServer creates a sync server for the given store and local device.
func NewServer(store scopes.EventStore, device identity.DeviceID) *Server {
	return &Server{
		store:      store,
		device:     device,
		logger:     logging.WithComponent(logging.Component("transport/http")),
		batchLimit: DefaultBatchLimit,
	}
}

// Router returns the HTTP routes of the sync endpoint.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/events", s.handleGetEvents).Methods(http.MethodGet)
	r.HandleFunc("/v1/events", s.handlePostEvents).Methods(http.MethodPost)
	r.HandleFunc("/v1/clock", s.handleGetClock).Methods(http.MethodGet)
	return r
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	since := time.Time{}
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "", "invalid since parameter: "+err.Error())
			return
		}
		since = parsed
	}

	var device identity.DeviceID
	if raw := r.URL.Query().Get("device"); raw != "" {
		parsed, err := identity.NewDeviceID(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "", err.Error())
			return
		}
		device = parsed
	}

	limit := s.batchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "", "invalid limit parameter")
			return
		}
		if n < limit {
			limit = n
		}
	}

	events, err := s.store.GetEventsSince(r.Context(), since, device)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if len(events) > limit {
		events = events[:limit]
	}

	writeJSON(w, http.StatusOK, EventBatch{Events: events})
}

func (s *Server) handlePostEvents(w http.ResponseWriter, r *http.Request) {
	var batch EventBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, "", "invalid batch: "+err.Error())
		return
	}

	// Batch order is sender-defined; replicated appends need per-device
	// sequence order.
	event.SortForReplication(batch.Events)

	accepted := 0
	for _, ev := range batch.Events {
		known, err := s.alreadyKnown(r, ev)
		if err != nil {
			s.writeStoreError(w, r, err)
			return
		}
		if known {
			continue
		}
		if _, err := s.store.StoreReplicated(r.Context(), ev); err != nil {
			s.logger.LogError(r.Context(), err, "rejecting pushed event",
				slog.String("event_id", ev.EventID().String()),
				slog.Int("accepted_so_far", accepted),
			)
			s.writeStoreError(w, r, err)
			return
		}
		accepted++
	}

	writeJSON(w, http.StatusOK, PushResponse{Accepted: accepted})
}

// alreadyKnown reports whether the local log already covers the pushed
// event, using the sender device's clock row as a vector cursor.
func (s *Server) alreadyKnown(r *http.Request, ev event.StoredEvent) (bool, error) {
	clock, err := s.store.CurrentVectorClock(r.Context(), ev.DeviceID())
	if err != nil {
		return false, err
	}
	vc := cursor.NewVector(clock)
	return vc.Covers(ev.DeviceID(), ev.Metadata.SequenceNumber), nil
}

func (s *Server) handleGetClock(w http.ResponseWriter, r *http.Request) {
	device := s.device
	if raw := r.URL.Query().Get("device"); raw != "" {
		parsed, err := identity.NewDeviceID(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "", err.Error())
			return
		}
		clock, err := s.store.CurrentVectorClock(r.Context(), parsed)
		if err != nil {
			s.writeStoreError(w, r, err)
			return
		}
		if clock.IsZero() {
			err := syncErrors.NewDeviceNotFound(syncErrors.OpCurrentClock, "transport/http", raw)
			writeError(w, http.StatusNotFound, string(syncErrors.ErrCodeDeviceNotFound), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, ClockResponse{DeviceID: parsed.String(), Clock: clock})
		return
	}

	clock, err := s.store.CurrentVectorClock(r.Context(), device)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ClockResponse{DeviceID: device.String(), Clock: clock})
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	code := syncErrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case syncErrors.ErrCodeValidationFailure:
		status = http.StatusBadRequest
	case syncErrors.ErrCodeInvalidEventSequence:
		status = http.StatusConflict
	case syncErrors.ErrCodeStorageCapacityExceeded:
		status = http.StatusInsufficientStorage
	case syncErrors.ErrCodeDeviceNotFound:
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		s.logger.LogError(r.Context(), err, "request failed",
			slog.String("path", r.URL.Path),
		)
	}
	writeError(w, status, string(code), err.Error())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Code: code, Error: msg})
}
