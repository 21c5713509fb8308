package admin

import (
	"encoding/json"
	"net/http"

	"github.com/maxpert/oplogcdc/publisher"
	"github.com/rs/zerolog/log"
)

// ProducerCache is the view of the producer registry the admin API needs
type ProducerCache interface {
	Collections() []publisher.CollectionID
	Clear()
}

// SinkReporter reports publish progress per sink
type SinkReporter interface {
	Sinks() []publisher.SinkStatus
	LastSeq() uint64
}

// AdminHandlers serves the admin API. Either dependency may be nil, in which
// case its endpoints answer 503.
type AdminHandlers struct {
	producers ProducerCache
	sinks     SinkReporter
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(producers ProducerCache, sinks SinkReporter) *AdminHandlers {
	return &AdminHandlers{
		producers: producers,
		sinks:     sinks,
	}
}

type collectionInfo struct {
	ReplicaSet string `json:"replica_set"`
	Database   string `json:"database"`
	Collection string `json:"collection"`
}

// handleListProducers returns the collections with a cached producer
func (h *AdminHandlers) handleListProducers(w http.ResponseWriter, r *http.Request) {
	if h.producers == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "producer registry not configured")
		return
	}

	ids := h.producers.Collections()
	out := make([]collectionInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, collectionInfo{
			ReplicaSet: id.ReplicaSet,
			Database:   id.DbName,
			Collection: id.Name,
		})
	}
	writeJSONResponse(w, map[string]interface{}{
		"count":       len(out),
		"collections": out,
	})
}

// handleClearProducers drops every cached producer
func (h *AdminHandlers) handleClearProducers(w http.ResponseWriter, r *http.Request) {
	if h.producers == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "producer registry not configured")
		return
	}

	cleared := len(h.producers.Collections())
	h.producers.Clear()
	log.Info().Int("producers", cleared).Str("remote", r.RemoteAddr).Msg("Producer cache cleared via admin API")

	writeJSONResponse(w, map[string]interface{}{"cleared": cleared})
}

// handleListSinks returns cursor and lag of every sink
func (h *AdminHandlers) handleListSinks(w http.ResponseWriter, r *http.Request) {
	if h.sinks == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "publisher not configured")
		return
	}

	writeJSONResponse(w, map[string]interface{}{
		"last_seq": h.sinks.LastSeq(),
		"sinks":    h.sinks.Sinks(),
	})
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
