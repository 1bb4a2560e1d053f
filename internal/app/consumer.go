package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bundlehub/databundle-service/internal/domain"
	"github.com/bundlehub/databundle-service/internal/store"
)

// GatewayEventConsumer settles deposits and withdrawals from relayed gateway webhooks.
type GatewayEventConsumer struct {
	svc    *Service
	logger *zap.Logger
}

func NewGatewayEventConsumer(svc *Service, logger *zap.Logger) *GatewayEventConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GatewayEventConsumer{svc: svc, logger: logger}
}

// Bindings maps each gateway routing key to its handler.
func (c *GatewayEventConsumer) Bindings() map[string]func([]byte) bool {
	return map[string]func([]byte) bool{
		domain.RoutingKeyGatewayChargeSuccess:    c.HandleMessage,
		domain.RoutingKeyGatewayTransferSuccess:  c.HandleMessage,
		domain.RoutingKeyGatewayTransferFailed:   c.HandleMessage,
		domain.RoutingKeyGatewayTransferReversed: c.HandleMessage,
	}
}

// HandleMessage returns false only for errors worth redelivering.
func (c *GatewayEventConsumer) HandleMessage(body []byte) bool {
	var event domain.GatewayEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("gateway-consumer: failed to unmarshal payload", zap.Error(err))
		return true
	}
	if strings.TrimSpace(event.Reference) == "" {
		c.logger.Warn("gateway-consumer: missing reference", zap.String("event", event.Event))
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	if err := c.Process(ctx, event); err != nil {
		c.logger.Error("gateway-consumer: processing error",
			zap.String("event", event.Event),
			zap.String("reference", event.Reference),
			zap.Error(err),
		)
		return false
	}
	return true
}

// Process applies one gateway event. Unknown references and events are
// acknowledged without error.
func (c *GatewayEventConsumer) Process(ctx context.Context, event domain.GatewayEvent) error {
	switch event.Event {
	case "charge.success":
		_, err := c.svc.VerifyDeposit(ctx, event.Reference)
		if errors.Is(err, ErrInvalidReference) {
			c.logger.Info("gateway-consumer: no deposit for reference; acknowledging", zap.String("reference", event.Reference))
			return nil
		}
		var nf *NotFoundError
		if errors.As(err, &nf) {
			c.logger.Warn("gateway-consumer: deposit owner not found", zap.String("reference", event.Reference))
			return nil
		}
		return err
	case "transfer.success", "transfer.failed", "transfer.reversed":
		w, err := c.svc.repo.FindWithdrawalByReference(ctx, event.Reference)
		if err != nil {
			if errors.Is(err, store.ErrWithdrawalNotFound) {
				c.logger.Info("gateway-consumer: no withdrawal for reference; acknowledging", zap.String("reference", event.Reference))
				return nil
			}
			return fmt.Errorf("lookup withdrawal: %w", err)
		}
		_, err = c.svc.CheckTransferStatus(ctx, w.ID)
		return err
	default:
		c.logger.Debug("gateway-consumer: ignoring event", zap.String("event", event.Event))
		return nil
	}
}
