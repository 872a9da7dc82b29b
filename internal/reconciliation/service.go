// Package reconciliation periodically polls the venue for positions the
// daemon is not tracking ("rogue positions": opened out of band, or left
// behind by a crash before PositionArmed was durably recorded) and alerts
// an operator. Unlike the teacher's reconciliation.Service, this never
// mutates position state directly — the event log is the only writer of
// position state, so reconciliation is report-only, grounded on the
// original Rust daemon's detected_position model.
package reconciliation

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"stopdaemon/internal/money"
	"stopdaemon/internal/monitor"
	"stopdaemon/internal/repository"
	"stopdaemon/internal/venue"

	"github.com/google/uuid"
)

// DetectedPosition is a venue-reported position with no matching Active
// projection row for the same tenant/symbol/side.
type DetectedPosition struct {
	Symbol   money.Symbol
	Side     money.Side
	Quantity money.Quantity
	EntryAvg money.Price
}

// Report is one reconciliation pass's findings.
type Report struct {
	Timestamp time.Time
	Rogue     []DetectedPosition
}

// Service polls venue.ExchangePort.OpenPositions against the position
// projection and raises an alert for anything it cannot account for.
type Service struct {
	tenantID uuid.UUID
	exchange venue.ExchangePort
	repo     repository.PositionRepository
	alerts   monitor.AlertSink
	interval time.Duration

	mu sync.Mutex
}

func NewService(tenantID uuid.UUID, exchange venue.ExchangePort, repo repository.PositionRepository, alerts monitor.AlertSink, interval time.Duration) *Service {
	return &Service{tenantID: tenantID, exchange: exchange, repo: repo, alerts: alerts, interval: interval}
}

// Start runs Reconcile on a ticker until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				report, err := s.Reconcile(ctx)
				if err != nil {
					log.Printf("reconciliation: poll failed: %v", err)
					continue
				}
				s.handleReport(report)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Reconcile performs one reconciliation pass.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exchange == nil {
		return &Report{Timestamp: time.Now()}, nil
	}

	external, err := s.exchange.OpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list venue positions: %w", err)
	}

	known, err := s.repo.FindActiveFromProjection(ctx, s.tenantID)
	if err != nil {
		return nil, fmt.Errorf("load active positions: %w", err)
	}

	tracked := make(map[string]bool, len(known))
	for _, p := range known {
		tracked[matchKey(p.Symbol, p.Side)] = true
	}

	report := &Report{Timestamp: time.Now()}
	for _, ext := range external {
		if ext.Quantity.IsZero() {
			continue
		}
		if !tracked[matchKey(ext.Symbol, ext.Side)] {
			report.Rogue = append(report.Rogue, DetectedPosition{
				Symbol:   ext.Symbol,
				Side:     ext.Side,
				Quantity: ext.Quantity,
				EntryAvg: ext.EntryAvg,
			})
		}
	}
	return report, nil
}

func matchKey(symbol money.Symbol, side money.Side) string {
	return symbol.String() + "|" + side.String()
}

func (s *Service) handleReport(report *Report) {
	if len(report.Rogue) == 0 {
		return
	}
	for _, d := range report.Rogue {
		msg := fmt.Sprintf("rogue position detected: %s %s qty=%s entry=%s (no matching active position)",
			d.Symbol, d.Side, d.Quantity, d.EntryAvg)
		log.Print(msg)
		if s.alerts != nil {
			if err := s.alerts.Send(msg); err != nil {
				log.Printf("reconciliation: alert delivery failed: %v", err)
			}
		}
	}
}
