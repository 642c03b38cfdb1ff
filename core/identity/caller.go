package identity

import (
	"errors"
	"fmt"
	"strings"
)

// Role tags the capability a caller presents with a request. Operations
// check the role explicitly instead of inferring it from the address.
type Role uint8

const (
	RoleUnknown Role = iota
	// RoleAccount is an ordinary account holder acting as payer or payee.
	RoleAccount
	RoleArbitrator
	RoleCoordinator
	RoleGovernance
)

// ErrInvalidRole is returned when a role string cannot be parsed.
var ErrInvalidRole = errors.New("identity: invalid role")

func (r Role) String() string {
	switch r {
	case RoleAccount:
		return "account"
	case RoleArbitrator:
		return "arbitrator"
	case RoleCoordinator:
		return "coordinator"
	case RoleGovernance:
		return "governance"
	default:
		return "unknown"
	}
}

// Valid reports whether the role is one of the known capabilities.
func (r Role) Valid() bool {
	switch r {
	case RoleAccount, RoleArbitrator, RoleCoordinator, RoleGovernance:
		return true
	default:
		return false
	}
}

// ParseRole converts the textual role used in tokens and config files.
func ParseRole(value string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "account", "payer", "payee":
		return RoleAccount, nil
	case "arbitrator":
		return RoleArbitrator, nil
	case "coordinator":
		return RoleCoordinator, nil
	case "governance", "governor":
		return RoleGovernance, nil
	default:
		return RoleUnknown, fmt.Errorf("%w: %q", ErrInvalidRole, value)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(data []byte) error {
	parsed, err := ParseRole(string(data))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Caller is the pre-authorized identity attached to every request. The core
// trusts the address; proving control of it is the transport's job.
type Caller struct {
	Address [20]byte
	Role    Role
}

// NewCaller is a small convenience constructor.
func NewCaller(addr [20]byte, role Role) Caller {
	return Caller{Address: addr, Role: role}
}

// Account returns an account-role caller for addr.
func Account(addr [20]byte) Caller { return Caller{Address: addr, Role: RoleAccount} }

// Is reports whether the caller presents the given role.
func (c Caller) Is(role Role) bool { return c.Role == role }

// IsZero reports whether the caller carries no address.
func (c Caller) IsZero() bool { return c.Address == [20]byte{} }
