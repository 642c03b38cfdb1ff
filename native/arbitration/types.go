package arbitration

import (
	"encoding/json"
	"fmt"
	"strings"

	"arcesc/crypto"
)

// SettlementStatus is the arbitration outcome recorded for an escrow.
type SettlementStatus uint8

const (
	SettlementPending SettlementStatus = iota
	SettlementSettled
	SettlementDisputed
	SettlementCancelled
)

// MaxReasonBytes bounds the free-text reason attached to a decision.
const MaxReasonBytes = 1024

func (s SettlementStatus) String() string {
	switch s {
	case SettlementPending:
		return "PENDING"
	case SettlementSettled:
		return "SETTLED"
	case SettlementDisputed:
		return "DISPUTED"
	case SettlementCancelled:
		return "CANCELLED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// Valid reports whether the status value is within the supported range.
func (s SettlementStatus) Valid() bool {
	return s <= SettlementCancelled
}

// ParseStatus converts the textual status back to its enum value.
func ParseStatus(value string) (SettlementStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "PENDING":
		return SettlementPending, nil
	case "SETTLED":
		return SettlementSettled, nil
	case "DISPUTED":
		return SettlementDisputed, nil
	case "CANCELLED", "CANCELED":
		return SettlementCancelled, nil
	default:
		return 0, fmt.Errorf("unknown settlement status %q", value)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s SettlementStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *SettlementStatus) UnmarshalText(data []byte) error {
	parsed, err := ParseStatus(string(data))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Settlement is the oracle's record of an arbitration decision for one
// escrow. MEETriggered flips to true once a coordinator's release has
// committed and is never cleared.
type Settlement struct {
	EscrowID     uint64
	Arbitrator   [20]byte
	Status       SettlementStatus
	Timestamp    int64
	Reason       string
	MEETriggered bool
	TriggeredAt  int64
}

// Clone returns a copy of the record.
func (s *Settlement) Clone() *Settlement {
	if s == nil {
		return nil
	}
	clone := *s
	return &clone
}

// CacheEntry is the memoised settled flag kept for cheap polling.
type CacheEntry struct {
	EscrowID   uint64           `json:"escrowId"`
	Settled    bool             `json:"settled"`
	Status     SettlementStatus `json:"status"`
	Present    bool             `json:"present"`
	ComputedAt int64            `json:"computedAt"`
}

// Policy holds the oracle's tunable rules.
type Policy struct {
	// AllowResettleAfterDispute lets an arbitrator settle an escrow whose
	// settlement is currently DISPUTED.
	AllowResettleAfterDispute bool
}

// DefaultPolicy returns the stock oracle policy.
func DefaultPolicy() Policy {
	return Policy{AllowResettleAfterDispute: true}
}

type settlementJSON struct {
	EscrowID     uint64           `json:"escrowId"`
	Arbitrator   string           `json:"arbitrator"`
	Status       SettlementStatus `json:"status"`
	Timestamp    int64            `json:"timestamp"`
	Reason       string           `json:"reason"`
	MEETriggered bool             `json:"meeTriggered"`
	TriggeredAt  int64            `json:"triggeredAt,omitempty"`
}

// MarshalJSON renders the arbitrator in bech32 form.
func (s Settlement) MarshalJSON() ([]byte, error) {
	return json.Marshal(settlementJSON{
		EscrowID:     s.EscrowID,
		Arbitrator:   crypto.FormatAddress(s.Arbitrator),
		Status:       s.Status,
		Timestamp:    s.Timestamp,
		Reason:       s.Reason,
		MEETriggered: s.MEETriggered,
		TriggeredAt:  s.TriggeredAt,
	})
}

// UnmarshalJSON reverses MarshalJSON.
func (s *Settlement) UnmarshalJSON(data []byte) error {
	var raw settlementJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	arbitrator, err := crypto.ParseAddress(raw.Arbitrator)
	if err != nil {
		return fmt.Errorf("arbitration: arbitrator: %w", err)
	}
	*s = Settlement{
		EscrowID:     raw.EscrowID,
		Arbitrator:   arbitrator,
		Status:       raw.Status,
		Timestamp:    raw.Timestamp,
		Reason:       raw.Reason,
		MEETriggered: raw.MEETriggered,
		TriggeredAt:  raw.TriggeredAt,
	}
	return nil
}
