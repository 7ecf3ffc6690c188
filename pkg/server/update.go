package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/raterudder/eonnext/pkg/eonnext"
	"github.com/raterudder/eonnext/pkg/log"
)

// handleUpdate refreshes the polled data immediately instead of waiting for
// the next interval.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.entry.Refresh(ctx); err != nil {
		if errors.Is(err, eonnext.ErrAuth) {
			log.Ctx(ctx).WarnContext(ctx, "refresh failed to authenticate", slog.Any("error", err))
			writeJSONError(w, "eon next authentication failed", http.StatusBadGateway)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "refresh failed", slog.Any("error", err))
		writeJSONError(w, "refresh failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, struct {
		Success bool `json:"success"`
	}{Success: true})
}
