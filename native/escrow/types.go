package escrow

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// EscrowStatus represents the lifecycle states of an escrow record. Released
// and refunded are terminal.
type EscrowStatus uint8

const (
	EscrowPending EscrowStatus = iota
	EscrowReleased
	EscrowRefunded
)

const (
	// DefaultMinLockDuration is the shortest lock accepted at creation.
	DefaultMinLockDuration = int64(time.Hour / time.Second)
	// DefaultMaxLockDuration is the longest lock accepted at creation.
	DefaultMaxLockDuration = int64(365 * 24 * time.Hour / time.Second)
	// DefaultMaxDescriptionBytes bounds the opaque description.
	DefaultMaxDescriptionBytes = 512
)

// Escrow captures the immutable terms and runtime status of a single escrow
// agreement. Identifiers are assigned sequentially from zero in commit order.
type Escrow struct {
	ID           uint64
	Payer        [20]byte
	Payee        [20]byte
	Amount       *big.Int
	CreatedAt    int64
	LockDuration int64
	Deadline     int64
	Description  string
	Status       EscrowStatus
	ResolvedAt   int64
}

// Clone returns a deep copy of the escrow object so callers can safely mutate
// the copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// TimeRemaining returns the seconds left until the refund deadline, floored at
// zero.
func (e *Escrow) TimeRemaining(now int64) int64 {
	if e == nil || now >= e.Deadline {
		return 0
	}
	return e.Deadline - now
}

// Valid reports whether the status value is within the supported range.
func (s EscrowStatus) Valid() bool {
	switch s {
	case EscrowPending, EscrowReleased, EscrowRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible.
func (s EscrowStatus) Terminal() bool {
	return s == EscrowReleased || s == EscrowRefunded
}

func (s EscrowStatus) String() string {
	switch s {
	case EscrowPending:
		return "PENDING"
	case EscrowReleased:
		return "RELEASED"
	case EscrowRefunded:
		return "REFUNDED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// ParseStatus converts the textual status back to its enum value.
func ParseStatus(value string) (EscrowStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "PENDING":
		return EscrowPending, nil
	case "RELEASED":
		return EscrowReleased, nil
	case "REFUNDED":
		return EscrowRefunded, nil
	default:
		return 0, fmt.Errorf("unknown escrow status %q", value)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s EscrowStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *EscrowStatus) UnmarshalText(data []byte) error {
	parsed, err := ParseStatus(string(data))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Side selects which party an escrow listing filters on.
type Side uint8

const (
	SideAny Side = iota
	SidePayer
	SidePayee
)

// ParseSide converts "payer", "payee" or "any".
func ParseSide(value string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "any", "all":
		return SideAny, nil
	case "payer":
		return SidePayer, nil
	case "payee":
		return SidePayee, nil
	default:
		return SideAny, fmt.Errorf("unknown side %q", value)
	}
}

func (s Side) String() string {
	switch s {
	case SidePayer:
		return "payer"
	case SidePayee:
		return "payee"
	default:
		return "any"
	}
}

// Params bounds escrow creation. Zero values fall back to the defaults.
type Params struct {
	MinLockDuration     int64
	MaxLockDuration     int64
	MaxDescriptionBytes int
	// CreationFee is charged to the payer on top of the escrowed amount and
	// credited to the fee treasury.
	CreationFee *big.Int
}

// DefaultParams returns the stock creation bounds.
func DefaultParams() Params {
	return Params{
		MinLockDuration:     DefaultMinLockDuration,
		MaxLockDuration:     DefaultMaxLockDuration,
		MaxDescriptionBytes: DefaultMaxDescriptionBytes,
		CreationFee:         big.NewInt(0),
	}
}

func (p Params) normalized() Params {
	def := DefaultParams()
	if p.MinLockDuration <= 0 {
		p.MinLockDuration = def.MinLockDuration
	}
	if p.MaxLockDuration <= 0 {
		p.MaxLockDuration = def.MaxLockDuration
	}
	if p.MaxDescriptionBytes <= 0 {
		p.MaxDescriptionBytes = def.MaxDescriptionBytes
	}
	if p.CreationFee == nil || p.CreationFee.Sign() < 0 {
		p.CreationFee = big.NewInt(0)
	}
	return p
}

// SanitizeEscrow validates a stored record before it is persisted, returning
// a cloned instance with a non-nil amount. The original is not mutated.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("nil escrow")
	}
	clone := e.Clone()
	if clone.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("escrow amount must be positive")
	}
	if clone.Payer == clone.Payee {
		return nil, fmt.Errorf("escrow payer and payee must differ")
	}
	if clone.Deadline != clone.CreatedAt+clone.LockDuration {
		return nil, fmt.Errorf("escrow deadline does not match lock duration")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid escrow status: %d", clone.Status)
	}
	return clone, nil
}
