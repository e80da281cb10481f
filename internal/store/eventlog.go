package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Auro-rium/aex/internal/domain"
)

// AppendEvent appends ev to its chain scope's hash chain in its own
// transaction. It exists for events with no paired state transition (the
// rate/policy deny events); every primitive that mutates an agent or
// execution row folds its event append into that same transaction via
// appendEventTx instead of calling this.
func (s *Store) AppendEvent(ctx context.Context, ev domain.Event) (domain.Event, error) {
	start := time.Now()
	var result domain.Event
	err := withSerializableRetry(ctx, s.retry, func() error {
		tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		defer tx.Rollback()

		result, err = appendEventTx(ctx, tx, s.clock.Now(), ev.ChainScope, ev.ExecutionID, ev.EventType, ev.Payload)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	s.observe("append_event", start, err)
	return result, err
}

// appendEventTx appends one event within tx, locking the chain_heads row for
// chainScope for the duration of the append so concurrent appends within a
// scope linearize while unrelated scopes proceed in parallel. Never call
// this outside an already-open transaction: every state-transition
// primitive (Reserve, MarkDispatched, Commit, Release, Fail) calls it
// before committing its own row mutation, so a crash between the two never
// happens — there is only one commit.
func appendEventTx(ctx context.Context, tx *sqlx.Tx, now time.Time, chainScope, executionID string, eventType domain.EventType, payload []byte) (domain.Event, error) {
	var head struct {
		LastHash []byte `db:"last_hash"`
		LastSeq  int64  `db:"last_seq"`
	}
	err := tx.GetContext(ctx, &head, `
		SELECT last_hash, last_seq FROM chain_heads WHERE chain_scope = $1 FOR UPDATE`, chainScope)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chain_heads (chain_scope, last_hash, last_seq) VALUES ($1, $2, 0)`,
			chainScope, domain.GenesisHash[:]); err != nil {
			return domain.Event{}, err
		}
		head.LastHash = domain.GenesisHash[:]
		head.LastSeq = 0
	case err != nil:
		return domain.Event{}, err
	}

	hasher := sha256.New()
	hasher.Write(head.LastHash)
	hasher.Write(payload)
	hasher.Write([]byte(eventType))
	nextSeq := head.LastSeq + 1
	hasher.Write(seqBytes(nextSeq))
	eventHash := hasher.Sum(nil)

	var seq int64
	err = tx.GetContext(ctx, &seq, `
		INSERT INTO event_log (chain_scope, execution_id, event_type, payload, prev_hash, event_hash, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq`,
		chainScope, executionID, string(eventType), payload, head.LastHash, eventHash, now)
	if err != nil {
		return domain.Event{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE chain_heads SET last_hash = $2, last_seq = $3 WHERE chain_scope = $1`,
		chainScope, eventHash, seq); err != nil {
		return domain.Event{}, err
	}

	result := domain.Event{
		ChainScope:  chainScope,
		ExecutionID: executionID,
		EventType:   eventType,
		Payload:     payload,
		Seq:         seq,
		RecordedAt:  now,
	}
	copy(result.PrevHash[:], head.LastHash)
	copy(result.EventHash[:], eventHash)
	return result, nil
}

// LastEvent returns the most recently appended event for chainScope.
func (s *Store) LastEvent(ctx context.Context, chainScope string) (domain.Event, bool, error) {
	start := time.Now()
	var row eventRow
	err := s.db.GetContext(ctx, &row, `
		SELECT seq, chain_scope, execution_id, event_type, payload, prev_hash, event_hash, recorded_at
		FROM event_log WHERE chain_scope = $1 ORDER BY seq DESC LIMIT 1`, chainScope)
	s.observe("last_event", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Event{}, false, nil
	}
	if err != nil {
		return domain.Event{}, false, err
	}
	return row.toDomain(), true, nil
}

// WalkEvents streams every event in chainScope, in sequence order, to fn.
// Used by the offline replay verifier; fn returning an error aborts the walk.
func (s *Store) WalkEvents(ctx context.Context, chainScope string, fn func(domain.Event) error) error {
	start := time.Now()
	rows, err := s.db.QueryxContext(ctx, `
		SELECT seq, chain_scope, execution_id, event_type, payload, prev_hash, event_hash, recorded_at
		FROM event_log WHERE chain_scope = $1 ORDER BY seq ASC`, chainScope)
	if err != nil {
		s.observe("walk_events", start, err)
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var row eventRow
		if err := rows.StructScan(&row); err != nil {
			s.observe("walk_events", start, err)
			return err
		}
		if err := fn(row.toDomain()); err != nil {
			s.observe("walk_events", start, err)
			return err
		}
	}
	err = rows.Err()
	s.observe("walk_events", start, err)
	return err
}

type eventRow struct {
	Seq         int64     `db:"seq"`
	ChainScope  string    `db:"chain_scope"`
	ExecutionID string    `db:"execution_id"`
	EventType   string    `db:"event_type"`
	Payload     []byte    `db:"payload"`
	PrevHash    []byte    `db:"prev_hash"`
	EventHash   []byte    `db:"event_hash"`
	RecordedAt  time.Time `db:"recorded_at"`
}

func (r eventRow) toDomain() domain.Event {
	ev := domain.Event{
		Seq:         r.Seq,
		ChainScope:  r.ChainScope,
		ExecutionID: r.ExecutionID,
		EventType:   domain.EventType(r.EventType),
		Payload:     r.Payload,
		RecordedAt:  r.RecordedAt,
	}
	copy(ev.PrevHash[:], r.PrevHash)
	copy(ev.EventHash[:], r.EventHash)
	return ev
}

func seqBytes(seq int64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(seq)
		seq >>= 8
	}
	return b
}
