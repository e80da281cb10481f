// Package replay offline-verifies the event log's hash chain and
// reconciles it against the agents table: anyone with read access to the
// database can independently confirm that the ledger was never edited out
// of band and that a given agent's recorded spend actually sums to what
// was committed.
package replay

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/Auro-rium/aex/internal/domain"
)

// Store is the subset of persistence the verifier reads. It never writes.
type Store interface {
	WalkEvents(ctx context.Context, chainScope string, fn func(domain.Event) error) error
}

// SpendStore is the subset of persistence ReconcileSpend reads to compare
// event-log-derived totals against.
type SpendStore interface {
	AgentIDs(ctx context.Context) ([]string, error)
	GetAgentByID(ctx context.Context, agentID string) (domain.Agent, error)
}

// SpendMismatch reports one agent whose spent_micro column disagrees with
// the sum of commit_micro aggregated from its commit events.
type SpendMismatch struct {
	AgentID        string
	RecordedMicro  int64
	ReconciledMicro int64
}

type commitEventPayload struct {
	AgentID     string `json:"agent_id"`
	CommitMicro int64  `json:"commit_micro"`
}

// ReconcileSpend aggregates per-agent commit totals by walking chainScope's
// commit events and summing each payload's commit_micro by agent_id, then
// compares the result against agents.spent_micro. The totals are derived
// from the hash-chained event log rather than the executions table on
// purpose: executions.commit_micro is a plain mutable column, so an
// attacker who edits both it and agents.spent_micro together would pass a
// table-derived audit undetected. Deriving from inside the hashed payload
// means tampering would have to also forge every event_hash after the
// edited row, which VerifyChain catches.
func ReconcileSpend(ctx context.Context, events Store, chainScope string, agents SpendStore) ([]SpendMismatch, error) {
	committed := make(map[string]int64)
	err := events.WalkEvents(ctx, chainScope, func(ev domain.Event) error {
		if ev.EventType != domain.EventCommit {
			return nil
		}
		var p commitEventPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("decode commit payload at seq %d: %w", ev.Seq, err)
		}
		committed[p.AgentID] += p.CommitMicro
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay: walk commit events in %q: %w", chainScope, err)
	}

	ids, err := agents.AgentIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("replay: list agents: %w", err)
	}

	var mismatches []SpendMismatch
	for _, id := range ids {
		agent, err := agents.GetAgentByID(ctx, id)
		if err != nil {
			return mismatches, fmt.Errorf("replay: load agent %q: %w", id, err)
		}
		if committed[id] != agent.SpentMicro {
			mismatches = append(mismatches, SpendMismatch{
				AgentID:         id,
				RecordedMicro:   agent.SpentMicro,
				ReconciledMicro: committed[id],
			})
		}
	}
	return mismatches, nil
}

// Violation describes one point where the chain or the ledger disagreed
// with what it should have derived.
type Violation struct {
	Seq     int64
	Kind    string
	Message string
}

// Report is the result of verifying one chain scope's hash chain.
// Spend reconciliation is a separate pass; see ReconcileSpend.
type Report struct {
	ChainScope    string
	EventsChecked int
	Violations    []Violation
	CommitCount   int
	ReleaseCount  int
	FailCount     int
}

// VerifyChain walks chainScope from genesis and recomputes each event_hash,
// confirming event N's prev_hash equals event N-1's event_hash and that
// seq is strictly increasing with no gaps. It does not stop at the first
// hash mismatch or seq gap; it keeps walking past every finding so one
// report captures everything wrong with the chain, not just the first
// symptom.
func VerifyChain(ctx context.Context, store Store, chainScope string) (Report, error) {
	report := Report{ChainScope: chainScope}

	prevHash := domain.GenesisHash
	expectedSeq := int64(1)

	err := store.WalkEvents(ctx, chainScope, func(ev domain.Event) error {
		report.EventsChecked++

		if ev.Seq != expectedSeq {
			report.Violations = append(report.Violations, Violation{
				Seq:     ev.Seq,
				Kind:    "seq_gap",
				Message: fmt.Sprintf("expected seq %d, got %d", expectedSeq, ev.Seq),
			})
		}
		expectedSeq = ev.Seq + 1

		if ev.PrevHash != prevHash {
			report.Violations = append(report.Violations, Violation{
				Seq:     ev.Seq,
				Kind:    "prev_hash_mismatch",
				Message: "stored prev_hash does not match the preceding event's event_hash",
			})
		}

		computed := computeEventHash(prevHash, ev.Payload, ev.EventType, ev.Seq)
		if computed != ev.EventHash {
			report.Violations = append(report.Violations, Violation{
				Seq:     ev.Seq,
				Kind:    "event_hash_mismatch",
				Message: "recomputed event_hash does not match the stored value; the row was likely edited after the fact",
			})
		}

		switch ev.EventType {
		case domain.EventCommit:
			report.CommitCount++
		case domain.EventRelease:
			report.ReleaseCount++
		case domain.EventFail:
			report.FailCount++
		}

		prevHash = ev.EventHash
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("replay: walk chain %q: %w", chainScope, err)
	}
	return report, nil
}

// computeEventHash reproduces store.AppendEvent's hash derivation exactly:
// SHA256(prev_hash || payload || event_type || big-endian seq).
func computeEventHash(prevHash [32]byte, payload []byte, eventType domain.EventType, seq int64) [32]byte {
	hasher := sha256.New()
	hasher.Write(prevHash[:])
	hasher.Write(payload)
	hasher.Write([]byte(eventType))
	hasher.Write(seqBytes(seq))
	var out [32]byte
	copy(out[:], hasher.Sum(nil))
	return out
}

func seqBytes(seq int64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(seq)
		seq >>= 8
	}
	return b
}

// OK reports whether the chain had zero violations.
func (r Report) OK() bool { return len(r.Violations) == 0 }
