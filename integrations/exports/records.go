package exports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"arcesc/core/amount"
	coreerrors "arcesc/core/errors"
	"arcesc/crypto"
	"arcesc/native/arbitration"
	"arcesc/native/escrow"
)

// Source reads the records an export covers.
type Source interface {
	GetEscrowCount(ctx context.Context) (uint64, error)
	GetEscrow(ctx context.Context, id uint64) (*escrow.Escrow, error)
}

// SettlementSource resolves the arbitration outcome of an escrow.
type SettlementSource interface {
	GetSettlement(ctx context.Context, id uint64) (*arbitration.Settlement, error)
}

// Record pairs an escrow with its settlement, if any.
type Record struct {
	Escrow     *escrow.Escrow
	Settlement *arbitration.Settlement
}

// Collect loads every escrow and its settlement in id order.
func Collect(ctx context.Context, escrows Source, settlements SettlementSource) ([]Record, error) {
	count, err := escrows.GetEscrowCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("exports: escrow count: %w", err)
	}
	out := make([]Record, 0, count)
	for id := uint64(0); id < count; id++ {
		esc, err := escrows.GetEscrow(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("exports: escrow %d: %w", id, err)
		}
		rec := Record{Escrow: esc}
		if settlements != nil {
			settlement, err := settlements.GetSettlement(ctx, id)
			switch {
			case errors.Is(err, coreerrors.ErrNotFound):
			case err != nil:
				return nil, fmt.Errorf("exports: settlement %d: %w", id, err)
			default:
				rec.Settlement = settlement
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// row is the flat shape shared by every export format.
type row struct {
	EscrowID         uint64
	Payer            string
	Payee            string
	Amount           string
	Status           string
	CreatedAt        string
	Deadline         string
	ResolvedAt       string
	Description      string
	SettlementStatus string
	Arbitrator       string
	Reason           string
	Triggered        bool
}

func flatten(rec Record) (row, bool) {
	esc := rec.Escrow
	if esc == nil {
		return row{}, false
	}
	r := row{
		EscrowID:    esc.ID,
		Payer:       crypto.FormatAddress(esc.Payer),
		Payee:       crypto.FormatAddress(esc.Payee),
		Amount:      amount.Format(esc.Amount),
		Status:      esc.Status.String(),
		CreatedAt:   formatUnix(esc.CreatedAt),
		Deadline:    formatUnix(esc.Deadline),
		ResolvedAt:  formatUnix(esc.ResolvedAt),
		Description: esc.Description,
	}
	if s := rec.Settlement; s != nil {
		r.SettlementStatus = s.Status.String()
		r.Arbitrator = crypto.FormatAddress(s.Arbitrator)
		r.Reason = s.Reason
		r.Triggered = s.MEETriggered
	}
	return r, true
}

func formatUnix(ts int64) string {
	if ts == 0 {
		return ""
	}
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}
