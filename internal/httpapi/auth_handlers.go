package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sachinjagan2006-wq/safe-unit-track/internal/audit"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/auth"
)

const issuerKeyHeader = "X-Issuer-Key"

type tokenRequest struct {
	Subject string `json:"subject" validate:"required,max=128"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleAuthToken issues a bearer token for a subject. The caller proves it
// may mint tokens with the issuer key; the token carries no roles.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if !a.tokens.SupportsTokens() || !a.issuerKey.Enabled() {
		writeError(w, r, http.StatusNotFound, "token issuance is disabled")
		return
	}
	if err := a.issuerKey.Verify(r.Header.Get(issuerKeyHeader)); err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			_ = audit.LogEvent(r.Context(), "auth.token.rejected", map[string]any{"remote_ip": clientIP(r)})
			writeError(w, r, http.StatusUnauthorized, "invalid issuer key")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "token issuance failed")
		return
	}

	var req tokenRequest
	if !a.bind(w, r, &req) {
		return
	}
	subject := strings.TrimSpace(req.Subject)

	token, err := a.tokens.GenerateToken(subject, a.tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"subject":    subject,
		"expires_at": expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}
