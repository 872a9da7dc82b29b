package projector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"stopdaemon/internal/eventlog"
	"stopdaemon/internal/repository"

	"github.com/google/uuid"
)

// Balances registers the last-write-wins BALANCE_SAMPLED handler (§4.E).
func Balances(repo repository.BalanceRepository) *Registry {
	reg := NewRegistry()
	reg.Register("BALANCE_SAMPLED", balanceSampled(repo))
	return reg
}

type balanceSampledPayload struct {
	BalanceID uuid.UUID `json:"balance_id"`
	AccountID uuid.UUID `json:"account_id"`
	Asset     string    `json:"asset"`
	Free      string    `json:"free"`
	Locked    string    `json:"locked"`
}

func balanceSampled(repo repository.BalanceRepository) HandlerFunc {
	return func(ctx context.Context, env eventlog.EventEnvelope) error {
		var p balanceSampledPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("%w: BALANCE_SAMPLED: %v", errInvalidPayload, err)
		}
		_, lastSeq, err := repo.Get(ctx, env.TenantID, p.BalanceID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if env.Seq <= lastSeq {
			return nil
		}
		rec := &repository.BalanceRecord{
			BalanceID: p.BalanceID,
			AccountID: p.AccountID,
			Asset:     p.Asset,
			Free:      p.Free,
			Locked:    p.Locked,
		}
		return repo.Upsert(ctx, env.TenantID, rec, env.Seq)
	}
}
