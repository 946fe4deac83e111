package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/twinline-core/internal/alerts"
)

// maxDeadLetterLimit caps the limit query parameter.
const maxDeadLetterLimit = 1000

// handleListDeadLetters returns dead-lettered alerts, newest first.
//
// Query parameters:
//   - limit: maximum rows (default 100, max 1000)
func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.deadLetters == nil {
		writeUnavailable(w, "dead-letter store not configured")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxDeadLetterLimit)
	}

	list, err := s.deadLetters.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing dead letters", "error", err)
		writeInternalError(w, "failed to list dead letters")
		return
	}
	if list == nil {
		list = []alerts.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": list, "count": len(list)})
}
