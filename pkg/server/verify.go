package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"mino-hq/mino/pkg/config"
	"mino-hq/mino/pkg/proxy"
	"mino-hq/mino/pkg/spike"
)

// Verifier forwards challenge tokens to the external verification service
// and marks succeeding addresses exempt from spike rejection.
type Verifier struct {
	cfg    config.VerifyConfig
	guard  *spike.Guard
	client *http.Client
}

// NewVerifier builds the verification side-channel.
func NewVerifier(cfg config.VerifyConfig, guard *spike.Guard) *Verifier {
	return &Verifier{
		cfg:    cfg,
		guard:  guard,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// siteverifyResponse is the external service's verdict.
type siteverifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

// Verify forwards a challenge token with the caller's address. A success
// marks the address verified with the guard.
func (v *Verifier) Verify(ctx context.Context, token, address string) error {
	if v.cfg.SiteverifyURL == "" {
		return fmt.Errorf("verification is not configured")
	}

	form := url.Values{
		"secret":   {v.cfg.Secret},
		"response": {token},
		"remoteip": {address},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.SiteverifyURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("verification service unreachable: %w", err)
	}
	defer resp.Body.Close()

	var verdict siteverifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return fmt.Errorf("verification service returned an unreadable body: %w", err)
	}
	if !verdict.Success {
		return fmt.Errorf("challenge rejected: %s", strings.Join(verdict.ErrorCodes, ", "))
	}

	v.guard.MarkVerified(address)
	slog.Info("address verified", "address", address)
	return nil
}

// handleVerify serves the /verify endpoint. GET returns a minimal page for
// blocked callers; POST submits a challenge token, arriving as a form field
// or JSON body.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "verification required. POST your challenge token to this endpoint.")
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	caller, ok := proxy.CallerFrom(r.Context())
	if !ok {
		http.Error(w, "origin not resolved", http.StatusInternalServerError)
		return
	}

	token := r.FormValue("token")
	if token == "" {
		var body struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			token = body.Token
		}
	}
	if token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "missing challenge token"})
		return
	}

	if err := s.verifier.Verify(r.Context(), token, caller.Address); err != nil {
		writeJSON(w, http.StatusForbidden, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
