package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"strconv"
)

var csvHeader = []string{
	"escrow_id", "payer", "payee", "amount", "status", "created_at", "deadline", "resolved_at",
	"description", "settlement_status", "arbitrator", "reason", "triggered",
}

// EscrowsCSV builds a CSV export for the supplied records and returns the
// serialised data alongside a SHA-256 checksum of the payload.
func EscrowsCSV(records []Record) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	if err := writer.Write(csvHeader); err != nil {
		return nil, "", err
	}
	for _, rec := range records {
		r, ok := flatten(rec)
		if !ok {
			continue
		}
		record := []string{
			strconv.FormatUint(r.EscrowID, 10),
			r.Payer,
			r.Payee,
			r.Amount,
			r.Status,
			r.CreatedAt,
			r.Deadline,
			r.ResolvedAt,
			r.Description,
			r.SettlementStatus,
			r.Arbitrator,
			r.Reason,
			strconv.FormatBool(r.Triggered),
		}
		if err := writer.Write(record); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
