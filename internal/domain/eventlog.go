package domain

import "time"

// EventType enumerates the entries appended to the hash chain.
type EventType string

const (
	EventReserve     EventType = "reserve"
	EventDispatch    EventType = "dispatch"
	EventCommit      EventType = "commit"
	EventRelease     EventType = "release"
	EventFail        EventType = "fail"
	EventDenyBudget  EventType = "deny.budget"
	EventDenyRate    EventType = "deny.rate"
	EventDenyPolicy  EventType = "deny.policy"
)

// GenesisHash is prev_hash for the first event appended to any chain scope.
var GenesisHash = [32]byte{}

// DefaultScope is the single global chain scope used by single-tenant
// deployments. Multi-tenant deployments use one scope per tenant.
const DefaultScope = "global"

// Event is one append-only, hash-chained ledger row.
type Event struct {
	Seq         int64
	ChainScope  string
	ExecutionID string
	EventType   EventType
	Payload     []byte // canonical JSON
	PrevHash    [32]byte
	EventHash   [32]byte
	RecordedAt  time.Time
}
