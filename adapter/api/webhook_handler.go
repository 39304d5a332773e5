package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/helyar/helyar/internal/billing/application"
	"github.com/helyar/helyar/internal/billing/infrastructure/gocardless"
)

const redirectQuery = "status=processing&message=setting_up_subscription"

// WebhookReceiver verifies and processes one provider delivery.
type WebhookReceiver interface {
	Handle(ctx context.Context, body []byte, signature string) (*application.WebhookResult, error)
}

// WebhookHandler serves the provider-facing endpoints.
type WebhookHandler struct {
	receiver    WebhookReceiver
	frontendURL string
	logger      *slog.Logger
}

// NewWebhookHandler creates a new webhook handler. frontendURL is the
// browser landing page after the hosted flow.
func NewWebhookHandler(receiver WebhookReceiver, frontendURL string, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		receiver:    receiver,
		frontendURL: strings.TrimRight(frontendURL, "/"),
		logger:      logger,
	}
}

// Receive handles POST /api/subscriptions/webhook/. A verified delivery is
// acknowledged with 200 even when single events fail.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	result, err := h.receiver.Handle(r.Context(), body, r.Header.Get(gocardless.SignatureHeader))
	switch {
	case errors.Is(err, application.ErrInvalidSignature):
		h.logger.WarnContext(r.Context(), "webhook signature rejected", "remote_addr", r.RemoteAddr)
		writeError(w, StatusInvalidSignature, "invalid signature")
		return
	case errors.Is(err, application.ErrMalformedWebhook):
		h.logger.WarnContext(r.Context(), "malformed webhook payload", "error", err)
		writeError(w, http.StatusBadRequest, "malformed payload")
		return
	case err != nil:
		h.logger.ErrorContext(r.Context(), "webhook handling failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if result.Failed > 0 {
		h.logger.WarnContext(r.Context(), "webhook delivery had failed events",
			"events", result.Events,
			"failed", result.Failed,
		)
	}
	writeJSON(w, http.StatusOK, result)
}

// RedirectComplete handles GET /api/subscriptions/gocardless-complete/.
// Completion is left to the webhook; the browser goes back to the app.
func (h *WebhookHandler) RedirectComplete(w http.ResponseWriter, r *http.Request) {
	h.logger.InfoContext(r.Context(), "hosted flow redirect", "query", r.URL.RawQuery)

	http.Redirect(w, r, h.frontendURL+"/?"+redirectQuery, http.StatusFound)
}
