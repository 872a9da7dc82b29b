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

// Risk registers the RISK_CHECK_FAILED handler, flagging violations on
// (account_id, strategy_id) (§4.E).
func Risk(repo repository.RiskRepository) *Registry {
	reg := NewRegistry()
	reg.Register("RISK_CHECK_FAILED", riskCheckFailed(repo))
	return reg
}

type riskCheckFailedPayload struct {
	AccountID  uuid.UUID `json:"account_id"`
	StrategyID uuid.UUID `json:"strategy_id"`
	Reason     string    `json:"reason"`
}

func riskCheckFailed(repo repository.RiskRepository) HandlerFunc {
	return func(ctx context.Context, env eventlog.EventEnvelope) error {
		var p riskCheckFailedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("%w: RISK_CHECK_FAILED: %v", errInvalidPayload, err)
		}
		_, lastSeq, err := repo.Get(ctx, env.TenantID, p.AccountID, p.StrategyID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if env.Seq <= lastSeq {
			return nil
		}
		rec := &repository.RiskStateRecord{
			AccountID:  p.AccountID,
			StrategyID: p.StrategyID,
			Violated:   true,
			Reason:     p.Reason,
		}
		return repo.Upsert(ctx, env.TenantID, rec, env.Seq)
	}
}
