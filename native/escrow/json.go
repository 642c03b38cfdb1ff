package escrow

import (
	"encoding/json"
	"fmt"
	"math/big"

	"arcesc/core/amount"
	"arcesc/crypto"
)

type escrowJSON struct {
	ID           uint64       `json:"id"`
	Payer        string       `json:"payer"`
	Payee        string       `json:"payee"`
	Amount       string       `json:"amount"`
	AmountUnits  string       `json:"amountFormatted,omitempty"`
	CreatedAt    int64        `json:"createdAt"`
	LockDuration int64        `json:"lockDuration"`
	Deadline     int64        `json:"deadline"`
	Description  string       `json:"description"`
	Status       EscrowStatus `json:"status"`
	ResolvedAt   int64        `json:"resolvedAt,omitempty"`
}

// MarshalJSON renders addresses in bech32 form and the amount as an integer
// string of micro-units.
func (e Escrow) MarshalJSON() ([]byte, error) {
	amt := e.Amount
	if amt == nil {
		amt = big.NewInt(0)
	}
	return json.Marshal(escrowJSON{
		ID:           e.ID,
		Payer:        crypto.FormatAddress(e.Payer),
		Payee:        crypto.FormatAddress(e.Payee),
		Amount:       amt.String(),
		AmountUnits:  amount.Format(amt),
		CreatedAt:    e.CreatedAt,
		LockDuration: e.LockDuration,
		Deadline:     e.Deadline,
		Description:  e.Description,
		Status:       e.Status,
		ResolvedAt:   e.ResolvedAt,
	})
}

// UnmarshalJSON reverses MarshalJSON.
func (e *Escrow) UnmarshalJSON(data []byte) error {
	var raw escrowJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payer, err := crypto.ParseAddress(raw.Payer)
	if err != nil {
		return fmt.Errorf("escrow: payer: %w", err)
	}
	payee, err := crypto.ParseAddress(raw.Payee)
	if err != nil {
		return fmt.Errorf("escrow: payee: %w", err)
	}
	amt, ok := new(big.Int).SetString(raw.Amount, 10)
	if !ok {
		return fmt.Errorf("escrow: invalid amount %q", raw.Amount)
	}
	*e = Escrow{
		ID:           raw.ID,
		Payer:        payer,
		Payee:        payee,
		Amount:       amt,
		CreatedAt:    raw.CreatedAt,
		LockDuration: raw.LockDuration,
		Deadline:     raw.Deadline,
		Description:  raw.Description,
		Status:       raw.Status,
		ResolvedAt:   raw.ResolvedAt,
	}
	return nil
}
