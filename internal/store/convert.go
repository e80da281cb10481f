package store

import (
	"encoding/json"
	"fmt"

	"github.com/Auro-rium/aex/internal/domain"
)

func (r agentRow) toDomain() (domain.Agent, error) {
	var caps domain.Capabilities
	if len(r.Capabilities) > 0 {
		if err := json.Unmarshal(r.Capabilities, &caps); err != nil {
			return domain.Agent{}, fmt.Errorf("decode agent capabilities: %w", err)
		}
	}
	a := domain.Agent{
		AgentID:       r.AgentID,
		Name:          r.Name,
		TokenHash:     r.TokenHash,
		Scope:         domain.Scope(r.Scope),
		BudgetMicro:   r.BudgetMicro,
		SpentMicro:    r.SpentMicro,
		ReservedMicro: r.ReservedMicro,
		RPMLimit:      r.RPMLimit,
		TPMLimit:      r.TPMLimit,
		Capabilities:  caps,
		CreatedAt:     r.CreatedAt,
	}
	if r.TokenExpiresAt.Valid {
		t := r.TokenExpiresAt.Time
		a.TokenExpiresAt = &t
	}
	if r.LastActivityAt.Valid {
		t := r.LastActivityAt.Time
		a.LastActivityAt = &t
	}
	return a, nil
}

func (r executionRow) toDomain() domain.Execution {
	e := domain.Execution{
		ExecutionID:    r.ExecutionID,
		AgentID:        r.AgentID,
		IdempotencyKey: r.IdempotencyKey,
		Route:          domain.Route(r.Route),
		Model:          r.Model,
		Provider:       r.Provider,
		State:          domain.State(r.State),
		ReserveMicro:   r.ReserveMicro,
		CommitMicro:    r.CommitMicro,
		ReleaseMicro:   r.ReleaseMicro,
		ResponseCache:  r.ResponseCache,
		CreatedAt:      r.CreatedAt,
	}
	copy(e.RequestHash[:], r.RequestHash)
	if r.StatusCode.Valid {
		e.StatusCode = int(r.StatusCode.Int64)
	}
	if r.TerminalAt.Valid {
		t := r.TerminalAt.Time
		e.TerminalAt = &t
	}
	return e
}
