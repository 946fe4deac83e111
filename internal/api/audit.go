package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/nerrad567/twinline-core/internal/audit"
)

// auditChanSize is the buffer of the async audit writer. Entries beyond it
// are dropped so requests never wait on SQLite.
const auditChanSize = 256

// auditLog enqueues an audit entry for the request's operator. operator
// overrides the token subject when non-empty (login has no token yet).
func (s *Server) auditLog(r *http.Request, action, device, operator, outcome string, details map[string]any) {
	if s.auditCh == nil {
		return
	}
	if operator == "" {
		if c := claimsFrom(r.Context()); c != nil {
			operator = c.Subject
		}
	}

	entry := &audit.Entry{
		Action:   action,
		Device:   device,
		Operator: operator,
		Outcome:  outcome,
		Details:  details,
	}

	select {
	case s.auditCh <- entry:
	default:
		s.logger.Warn("audit channel full, dropping entry", "action", action, "device", device)
	}
}

// drainAudit writes queued entries serially until ctx is cancelled, then
// flushes what is left. Stored entries are relayed on ChannelAudit.
func (s *Server) drainAudit(ctx context.Context) {
	write := func(e *audit.Entry) {
		if err := s.audit.Create(context.WithoutCancel(ctx), e); err != nil {
			s.logger.Error("audit write failed", "action", e.Action, "error", err)
			return
		}
		s.hub.Broadcast(ChannelAudit, e)
	}
	for {
		select {
		case e := <-s.auditCh:
			write(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-s.auditCh:
					write(e)
				default:
					return
				}
			}
		}
	}
}

// handleListAudit returns a page of operator actions, newest first.
//
// Query parameters:
//   - action, device, operator: exact-match filters
//   - limit: page size (default 50, max 200)
//   - offset: rows to skip
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeUnavailable(w, "audit log not configured")
		return
	}

	q := r.URL.Query()
	f := audit.Filter{
		Action:   q.Get("action"),
		Device:   q.Get("device"),
		Operator: q.Get("operator"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, "limit must be an integer")
			return
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, "offset must be an integer")
			return
		}
		f.Offset = n
	}

	page, err := s.audit.List(r.Context(), f)
	if err != nil {
		s.logger.Error("listing audit entries", "error", err)
		writeInternalError(w, "failed to list audit entries")
		return
	}
	writeJSON(w, http.StatusOK, page)
}
