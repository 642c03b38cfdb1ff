package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

type jsonRecord struct {
	EscrowID    uint64          `json:"escrowId"`
	Payer       string          `json:"payer"`
	Payee       string          `json:"payee"`
	Amount      string          `json:"amount"`
	Status      string          `json:"status"`
	CreatedAt   string          `json:"createdAt"`
	Deadline    string          `json:"deadline"`
	ResolvedAt  string          `json:"resolvedAt,omitempty"`
	Description string          `json:"description,omitempty"`
	Settlement  *jsonSettlement `json:"settlement,omitempty"`
}

type jsonSettlement struct {
	Status     string `json:"status"`
	Arbitrator string `json:"arbitrator"`
	Reason     string `json:"reason,omitempty"`
	Triggered  bool   `json:"triggered"`
}

// EscrowsJSONL builds a JSON Lines export for the supplied records and
// returns the serialised payload alongside a checksum.
func EscrowsJSONL(records []Record) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, rec := range records {
		r, ok := flatten(rec)
		if !ok {
			continue
		}
		payload := jsonRecord{
			EscrowID:    r.EscrowID,
			Payer:       r.Payer,
			Payee:       r.Payee,
			Amount:      r.Amount,
			Status:      r.Status,
			CreatedAt:   r.CreatedAt,
			Deadline:    r.Deadline,
			ResolvedAt:  r.ResolvedAt,
			Description: r.Description,
		}
		if rec.Settlement != nil {
			payload.Settlement = &jsonSettlement{
				Status:     r.SettlementStatus,
				Arbitrator: r.Arbitrator,
				Reason:     r.Reason,
				Triggered:  r.Triggered,
			}
		}
		if err := encoder.Encode(payload); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
