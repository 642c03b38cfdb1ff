package ledger

import (
	"encoding/json"
	"fmt"
	"sort"

	"arcesc/core/amount"
	coreerrors "arcesc/core/errors"
	"arcesc/core/state"
	"arcesc/crypto"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Genesis seeds the role allow-lists and opening balances. Balances are
// decimal amounts in the fee asset ("250.5").
type Genesis struct {
	Governors    []string          `json:"governors" toml:"Governors"`
	Arbitrators  []string          `json:"arbitrators" toml:"Arbitrators"`
	Coordinators []string          `json:"coordinators" toml:"Coordinators"`
	Balances     map[string]string `json:"balances" toml:"Balances"`
}

// Validate checks every address and amount without touching state.
func (g Genesis) Validate() error {
	for _, group := range [][]string{g.Governors, g.Arbitrators, g.Coordinators} {
		for _, addr := range group {
			if _, err := crypto.ParseAddress(addr); err != nil {
				return fmt.Errorf("genesis: %q: %v: %w", addr, err, coreerrors.ErrInvalidInput)
			}
		}
	}
	for addr, value := range g.Balances {
		if _, err := crypto.ParseAddress(addr); err != nil {
			return fmt.Errorf("genesis: balance %q: %v: %w", addr, err, coreerrors.ErrInvalidInput)
		}
		if _, err := amount.Parse(value); err != nil {
			return fmt.Errorf("genesis: balance %q: %v: %w", addr, err, coreerrors.ErrInvalidInput)
		}
	}
	return nil
}

func (g Genesis) hash() ([]byte, error) {
	encoded, err := json.Marshal(g)
	if err != nil {
		return nil, err
	}
	return ethcrypto.Keccak256(encoded), nil
}

func (g Genesis) apply(m *state.Manager) error {
	roles := []struct {
		set   string
		addrs []string
	}{
		{state.RoleSetGovernors, g.Governors},
		{state.RoleSetArbitrators, g.Arbitrators},
		{state.RoleSetCoordinators, g.Coordinators},
	}
	for _, r := range roles {
		for _, raw := range r.addrs {
			addr, err := crypto.ParseAddress(raw)
			if err != nil {
				return err
			}
			if err := m.RoleAdd(r.set, addr); err != nil {
				return fmt.Errorf("genesis: add %s %s: %w", r.set, raw, err)
			}
		}
	}
	holders := make([]string, 0, len(g.Balances))
	for addr := range g.Balances {
		holders = append(holders, addr)
	}
	sort.Strings(holders)
	for _, raw := range holders {
		addr, err := crypto.ParseAddress(raw)
		if err != nil {
			return err
		}
		value, err := amount.Parse(g.Balances[raw])
		if err != nil {
			return err
		}
		if err := m.Credit(addr, value); err != nil {
			return fmt.Errorf("genesis: credit %s: %w", raw, err)
		}
	}
	return nil
}
