// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/wishreel/wishreel/internal/log"
	"github.com/wishreel/wishreel/internal/talkinghead"
)

// webhookBodyLimit bounds provider callbacks; the payload is a small JSON
// object and anything larger is noise.
const webhookBodyLimit = 64 << 10

// handleProviderWebhook accepts render completion callbacks. The contract
// with the provider is ack-then-process: the 200 goes out immediately and
// the payload is handed to the fusion layer on a separate goroutine, so a
// slow or wedged waiter can never push the provider into retry storms.
func (s *Server) handleProviderWebhook(w http.ResponseWriter, r *http.Request) {
	logger := s.logger
	if id := log.RequestIDFromContext(r.Context()); id != "" {
		logger = logger.With().Str(log.FieldRequestID, id).Logger()
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, webhookBodyLimit))
	if err != nil {
		logger.Warn().Err(err).Msg("webhook body unreadable, acking anyway")
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	var cb talkinghead.Callback
	if err := json.Unmarshal(body, &cb); err != nil || cb.ProviderTaskID == "" {
		logger.Warn().Err(err).Int("bytes", len(body)).Msg("webhook payload not usable, acking anyway")
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})

	go func() {
		outcome := s.webhooks.Resolve(cb)
		logger.Debug().
			Str("provider_task_id", cb.ProviderTaskID).
			Str("status", string(cb.Status)).
			Str("outcome", outcome).
			Msg("webhook processed")
	}()
}
