package projector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"stopdaemon/internal/eventlog"
	"stopdaemon/internal/repository"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Strategy registers the STRATEGY_ENABLED/STRATEGY_DISABLED handlers. The
// config payload travels as a generic map on the wire and is re-encoded to
// YAML for the projection snapshot, matching the teacher's
// strategy_instances.parameters storage convention (§4.E).
func Strategy(repo repository.StrategyRepository) *Registry {
	reg := NewRegistry()
	reg.Register("STRATEGY_ENABLED", strategyToggle(repo, true))
	reg.Register("STRATEGY_DISABLED", strategyToggle(repo, false))
	return reg
}

type strategyTogglePayload struct {
	StrategyID uuid.UUID      `json:"strategy_id"`
	Config     map[string]any `json:"config"`
}

func strategyToggle(repo repository.StrategyRepository, enabled bool) HandlerFunc {
	return func(ctx context.Context, env eventlog.EventEnvelope) error {
		var p strategyTogglePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("%w: %s: %v", errInvalidPayload, env.EventType, err)
		}
		_, lastSeq, err := repo.Get(ctx, env.TenantID, p.StrategyID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if env.Seq <= lastSeq {
			return nil
		}
		configYAML := ""
		if len(p.Config) > 0 {
			out, err := yaml.Marshal(p.Config)
			if err != nil {
				return fmt.Errorf("%w: encode strategy config: %v", errInvalidPayload, err)
			}
			configYAML = string(out)
		}
		rec := &repository.StrategyStateRecord{
			StrategyID: p.StrategyID,
			Enabled:    enabled,
			ConfigYAML: configYAML,
		}
		return repo.Upsert(ctx, env.TenantID, rec, env.Seq)
	}
}
