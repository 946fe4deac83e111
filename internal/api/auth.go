package api

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/twinline-core/internal/audit"
	"github.com/nerrad567/twinline-core/internal/auth"
)

const ticketTTL = time.Minute

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int       `json:"expires_in"`
	ExpiresAt   time.Time `json:"expires_at"`
	Role        auth.Role `json:"role"`
}

// ticket is a single-use websocket credential. The browser cannot set an
// Authorization header on the upgrade request, so it trades its bearer
// token for one of these and passes it as ?ticket=.
type ticket struct {
	username string
	role     auth.Role
	expires  time.Time
}

type ticketStore struct {
	ttl time.Duration

	mu      sync.Mutex
	pending map[string]ticket
}

func newTicketStore(ttl time.Duration) *ticketStore {
	return &ticketStore{ttl: ttl, pending: make(map[string]ticket)}
}

func (ts *ticketStore) issue(username string, role auth.Role) string {
	var b [24]byte
	_, _ = rand.Read(b[:])
	id := base64.RawURLEncoding.EncodeToString(b[:])

	ts.mu.Lock()
	ts.pending[id] = ticket{username: username, role: role, expires: time.Now().Add(ts.ttl)}
	ts.mu.Unlock()
	return id
}

// redeem consumes id. An expired ticket is consumed too.
func (ts *ticketStore) redeem(id string) (ticket, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t, ok := ts.pending[id]
	if !ok {
		return ticket{}, false
	}
	delete(ts.pending, id)
	return t, time.Now().Before(t.expires)
}

func (ts *ticketStore) sweep(now time.Time) int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	n := 0
	for id, t := range ts.pending {
		if !now.Before(t.expires) {
			delete(ts.pending, id)
			n++
		}
	}
	return n
}

func (ts *ticketStore) run(ctx context.Context) {
	tick := time.NewTicker(ts.ttl)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			ts.sweep(now)
		}
	}
}

// handleLogin checks operator credentials and issues an access token.
// Both outcomes are audited.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if c.Username == "" || c.Password == "" {
		writeBadRequest(w, "username and password are required")
		return
	}

	op, err := s.operators.Authenticate(c.Username, c.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.logger.Warn("login rejected", "username", c.Username, "remote", r.RemoteAddr)
		s.auditLog(r, audit.ActionLogin, "", c.Username, audit.OutcomeFailure, nil)
		writeUnauthorized(w, "invalid credentials")
		return
	case err != nil:
		s.logger.Error("login failed", "username", c.Username, "error", err)
		writeInternalError(w, "failed to authenticate")
		return
	}

	token, expires, err := auth.GenerateAccessToken(op, s.secCfg.JWT.Secret,
		time.Duration(s.secCfg.JWT.AccessTokenTTL)*time.Minute)
	if err != nil {
		s.logger.Error("signing access token", "username", op.Username, "error", err)
		writeInternalError(w, "failed to generate token")
		return
	}

	s.logger.Info("operator logged in", "username", op.Username, "role", op.Role)
	s.auditLog(r, audit.ActionLogin, "", op.Username, audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(time.Until(expires).Round(time.Second).Seconds()),
		ExpiresAt:   expires.UTC(),
		Role:        op.Role,
	})
}

func (s *Server) handleWSTicket(w http.ResponseWriter, r *http.Request) {
	c := claimsFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     s.tickets.issue(c.Subject, c.Role),
		"expires_in": int(s.tickets.ttl.Seconds()),
	})
}
