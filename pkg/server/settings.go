package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/raterudder/eonnext/pkg/integration"
	"github.com/raterudder/eonnext/pkg/log"
)

// maxOptionsBody bounds the options request body.
const maxOptionsBody = 64 << 10

func (s *Server) handleGetOptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.entry.Options())
}

// handleUpdateOptions applies a partial update on top of the current options.
func (s *Server) handleUpdateOptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	opts := s.entry.Options()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOptionsBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&opts); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.entry.UpdateOptions(ctx, opts); err != nil {
		if errors.Is(err, integration.ErrInvalidOptions) {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to update options", slog.Any("error", err))
		writeJSONError(w, "failed to update options", http.StatusInternalServerError)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "options updated via api")
	writeJSON(w, s.entry.Options())
}
