package exports

import (
	"fmt"
	"io"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type parquetRow struct {
	EscrowID         int64  `parquet:"name=escrow_id, type=INT64"`
	Payer            string `parquet:"name=payer, type=BYTE_ARRAY, convertedtype=UTF8"`
	Payee            string `parquet:"name=payee, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount           string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status           string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt        string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	Deadline         string `parquet:"name=deadline, type=BYTE_ARRAY, convertedtype=UTF8"`
	ResolvedAt       string `parquet:"name=resolved_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	Description      string `parquet:"name=description, type=BYTE_ARRAY, convertedtype=UTF8"`
	SettlementStatus string `parquet:"name=settlement_status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Arbitrator       string `parquet:"name=arbitrator, type=BYTE_ARRAY, convertedtype=UTF8"`
	Reason           string `parquet:"name=reason, type=BYTE_ARRAY, convertedtype=UTF8"`
	Triggered        bool   `parquet:"name=triggered, type=BOOLEAN"`
}

// WriteEscrowsParquet streams the records to w as a snappy-compressed
// Parquet file.
func WriteEscrowsParquet(w io.Writer, records []Record) error {
	fw := writerfile.NewWriterFile(w)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		return fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, rec := range records {
		r, ok := flatten(rec)
		if !ok {
			continue
		}
		pr := &parquetRow{
			EscrowID:         int64(r.EscrowID),
			Payer:            r.Payer,
			Payee:            r.Payee,
			Amount:           r.Amount,
			Status:           r.Status,
			CreatedAt:        r.CreatedAt,
			Deadline:         r.Deadline,
			ResolvedAt:       r.ResolvedAt,
			Description:      r.Description,
			SettlementStatus: r.SettlementStatus,
			Arbitrator:       r.Arbitrator,
			Reason:           r.Reason,
			Triggered:        r.Triggered,
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			return fmt.Errorf("exports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("exports: parquet flush: %w", err)
	}
	return nil
}
