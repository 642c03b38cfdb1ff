package state

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"arcesc/crypto"
)

func balanceKey(addr [20]byte) []byte {
	return prefixedKey(accountBalancePrefix, addr[:])
}

// Balance returns the fee-asset balance of addr in micro-units.
func (m *Manager) Balance(addr [20]byte) (*big.Int, error) {
	value := new(big.Int)
	ok, err := m.KVGet(balanceKey(addr), value)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return value, nil
}

// SetBalance overwrites the balance of addr. Negative balances and values
// beyond 256 bits are rejected.
func (m *Manager) SetBalance(addr [20]byte, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("state: negative balance for %s", crypto.FormatAddress(addr))
	}
	if _, overflow := uint256.FromBig(amount); overflow {
		return fmt.Errorf("balance overflow")
	}
	return m.KVPut(balanceKey(addr), amount)
}

// Credit adds amount to the balance of addr.
func (m *Manager) Credit(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: credit amount must be non-negative")
	}
	current, err := m.Balance(addr)
	if err != nil {
		return err
	}
	return m.SetBalance(addr, new(big.Int).Add(current, amount))
}

// EscrowVaultAddress returns the module account holding escrowed funds.
func (m *Manager) EscrowVaultAddress() [20]byte {
	return crypto.ModuleAddress(escrowVaultModuleName)
}
