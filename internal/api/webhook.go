package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bundlehub/databundle-service/internal/domain"
	"github.com/bundlehub/databundle-service/pkg/paystack"
	"github.com/bundlehub/databundle-service/pkg/rabbitmq"
)

var relayedEvents = map[string]string{
	paystack.EventChargeSuccess:    domain.RoutingKeyGatewayChargeSuccess,
	paystack.EventTransferSuccess:  domain.RoutingKeyGatewayTransferSuccess,
	paystack.EventTransferFailed:   domain.RoutingKeyGatewayTransferFailed,
	paystack.EventTransferReversed: domain.RoutingKeyGatewayTransferReversed,
}

// handlePaystackWebhook verifies the signature and relays the event to the broker.
// Settlement happens in the gateway event consumer, or inline when the broker is
// unavailable. The gateway retries on any non-2xx response.
func (h *Handler) handlePaystackWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !paystack.ValidSignature(h.webhookSecret, body, r.Header.Get(paystack.SignatureHeader)) {
		h.logger.Warn("webhook rejected: invalid signature", zap.String("remote_addr", r.RemoteAddr))
		writeError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	var payload paystack.WebhookEvent
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid webhook payload")
		return
	}
	routingKey, ok := relayedEvents[payload.Event]
	reference := strings.TrimSpace(payload.Data.Reference)
	if !ok || reference == "" {
		h.logger.Debug("webhook ignored", zap.String("event", payload.Event))
		w.WriteHeader(http.StatusOK)
		return
	}

	event := domain.GatewayEvent{Event: payload.Event, Reference: reference, Received: time.Now().UTC()}
	err = h.publisher.Publish(r.Context(), domain.EventsExchange, routingKey, event)
	if err == nil {
		h.logger.Info("webhook relayed", zap.String("event", event.Event), zap.String("reference", reference))
		w.WriteHeader(http.StatusOK)
		return
	}
	if !errors.Is(err, rabbitmq.ErrPublisherUnavailable) {
		h.logger.Warn("webhook relay failed; processing inline", zap.String("event", event.Event), zap.Error(err))
	}

	if h.consumer == nil {
		writeError(w, http.StatusServiceUnavailable, "Event processing unavailable")
		return
	}
	if err := h.consumer.Process(r.Context(), event); err != nil {
		h.logger.Error("inline webhook processing failed",
			zap.String("event", event.Event),
			zap.String("reference", reference),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "Event processing failed")
		return
	}
	w.WriteHeader(http.StatusOK)
}
