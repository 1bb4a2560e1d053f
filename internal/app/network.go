package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/bundlehub/databundle-service/internal/domain"
)

// ListNetworks returns the purchasable flag for every network, defaulting to
// available for networks an admin has never toggled.
func (s *Service) ListNetworks(ctx context.Context) ([]domain.NetworkAvailability, error) {
	rows, err := s.repo.ListNetworkAvailability(ctx)
	if err != nil {
		return nil, fmt.Errorf("list network availability: %w", err)
	}
	known := make(map[domain.Network]domain.NetworkAvailability, len(rows))
	for _, row := range rows {
		known[row.Network] = row
	}
	all := append(append([]domain.Network{}, domain.DataNetworks...), domain.NetworkAFA)
	out := make([]domain.NetworkAvailability, 0, len(all))
	for _, n := range all {
		if row, ok := known[n]; ok {
			out = append(out, row)
			continue
		}
		out = append(out, domain.NetworkAvailability{Network: n, Available: true})
	}
	return out, nil
}

// SetNetworkAvailability toggles whether new orders may be placed on a network.
func (s *Service) SetNetworkAvailability(ctx context.Context, adminID, rawNetwork string, available bool) (*domain.NetworkAvailability, error) {
	network, err := domain.ParseNetwork(rawNetwork)
	if err != nil {
		return nil, &ValidationError{Fields: map[string]string{"network": "must be one of mtn, at, telecel, afa"}}
	}
	row, err := s.repo.SetNetworkAvailability(ctx, network, available)
	if err != nil {
		return nil, fmt.Errorf("set network availability: %w", err)
	}
	s.logger.Info("network availability changed",
		zap.String("admin_id", adminID),
		zap.String("network", network.String()),
		zap.Bool("available", available),
	)
	return row, nil
}
