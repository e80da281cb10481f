package store

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Auro-rium/aex/internal/clock"
	"github.com/Auro-rium/aex/internal/logging"
	"github.com/Auro-rium/aex/internal/metrics"
)

// Store implements runtime.Store against Postgres. Every agent, execution
// and event-log mutation runs inside a SERIALIZABLE transaction, retried
// on serialization failure via withSerializableRetry; RecordRateSample and
// PruneRateSamples are single statements without an explicit transaction.
type Store struct {
	db      *sqlx.DB
	log     *logging.Logger
	metrics *metrics.Metrics
	clock   clock.Clock
	retry   serializationRetryPolicy
}

// New wraps an already-open, already-migrated *sqlx.DB.
func New(db *sqlx.DB, log *logging.Logger, m *metrics.Metrics, clk clock.Clock) *Store {
	return &Store{db: db, log: log, metrics: m, clock: clk, retry: defaultSerializationRetry}
}

func (s *Store) observe(operation string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	if err != nil && err != sql.ErrNoRows {
		status = "error"
	}
	s.metrics.RecordDatabaseQuery(operation, status, time.Since(start))
}

type agentRow struct {
	AgentID        string         `db:"agent_id"`
	Name           string         `db:"name"`
	TokenHash      string         `db:"token_hash"`
	TokenExpiresAt sql.NullTime   `db:"token_expires_at"`
	Scope          string         `db:"scope"`
	BudgetMicro    int64          `db:"budget_micro"`
	SpentMicro     int64          `db:"spent_micro"`
	ReservedMicro  int64          `db:"reserved_micro"`
	RPMLimit       int            `db:"rpm_limit"`
	TPMLimit       int            `db:"tpm_limit"`
	Capabilities   []byte         `db:"capabilities"`
	CreatedAt      time.Time      `db:"created_at"`
	LastActivityAt sql.NullTime   `db:"last_activity_at"`
}

type executionRow struct {
	ExecutionID    string         `db:"execution_id"`
	AgentID        string         `db:"agent_id"`
	IdempotencyKey string         `db:"idempotency_key"`
	RequestHash    []byte         `db:"request_hash"`
	Route          string         `db:"route"`
	Model          string         `db:"model"`
	Provider       string         `db:"provider"`
	State          string         `db:"state"`
	ReserveMicro   int64          `db:"reserve_micro"`
	CommitMicro    int64          `db:"commit_micro"`
	ReleaseMicro   int64          `db:"release_micro"`
	ResponseCache  []byte         `db:"response_cache"`
	StatusCode     sql.NullInt64  `db:"status_code"`
	Version        int64          `db:"version"`
	CreatedAt      time.Time      `db:"created_at"`
	TerminalAt     sql.NullTime   `db:"terminal_at"`
}
