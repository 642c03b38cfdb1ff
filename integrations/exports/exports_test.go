package exports

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"arcesc/core/amount"
	"arcesc/core/identity"
	"arcesc/crypto"
	"arcesc/ledger"
	"arcesc/storage"
)

func addr(b byte) [20]byte {
	var out [20]byte
	out[19] = b
	return out
}

func sampleRecords(t *testing.T) []Record {
	t.Helper()
	l, err := ledger.NewLocal(storage.NewMemDB(), ledger.Config{})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	l.SetNowFunc(func() time.Time { return time.Unix(1_700_000_000, 0) })
	if err := l.ApplyGenesis(ledger.Genesis{
		Arbitrators: []string{crypto.FormatAddress(addr(3))},
		Balances:    map[string]string{crypto.FormatAddress(addr(1)): "500"},
	}); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	ctx := context.Background()
	registry := ledger.NewRegistryClient(l, identity.Account(addr(1)))
	oracle := ledger.NewOracleClient(l, identity.NewCaller(addr(3), identity.RoleArbitrator))
	if _, _, err := registry.CreateEscrow(ctx, addr(2), amount.MustParse("12.5"), 3600, "logo design"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := registry.CreateEscrow(ctx, addr(2), amount.MustParse("1"), 3600, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := oracle.Settle(ctx, 0, "delivered"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	records, err := Collect(ctx, registry, oracle)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Settlement == nil || records[1].Settlement != nil {
		t.Fatalf("unexpected settlements: %+v", records)
	}
	return records
}

func TestEscrowsCSV(t *testing.T) {
	data, checksum, err := EscrowsCSV(sampleRecords(t))
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	if len(data) == 0 || checksum == "" {
		t.Fatalf("expected data and checksum")
	}
	output := string(data)
	if !strings.HasPrefix(output, strings.Join(csvHeader, ",")) {
		t.Fatalf("missing header: %s", output)
	}
	if !strings.Contains(output, "12.5") || !strings.Contains(output, "SETTLED") {
		t.Fatalf("missing amount or settlement: %s", output)
	}
	if lines := strings.Count(output, "\n"); lines != 3 {
		t.Fatalf("expected header plus 2 rows, got %d lines", lines)
	}
}

func TestEscrowsJSONL(t *testing.T) {
	data, checksum, err := EscrowsJSONL(sampleRecords(t))
	if err != nil {
		t.Fatalf("jsonl: %v", err)
	}
	if checksum == "" {
		t.Fatalf("expected checksum")
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var first jsonRecord
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.Settlement == nil || first.Settlement.Status != "SETTLED" || first.Settlement.Reason != "delivered" {
		t.Fatalf("unexpected settlement: %+v", first.Settlement)
	}
	if strings.Contains(lines[1], "\"settlement\"") {
		t.Fatalf("unsettled escrow should omit settlement: %s", lines[1])
	}
}

func TestWriteEscrowsParquet(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteEscrowsParquet(&buf, sampleRecords(t)); err != nil {
		t.Fatalf("parquet: %v", err)
	}
	data := buf.Bytes()
	if len(data) < 8 || string(data[:4]) != "PAR1" || string(data[len(data)-4:]) != "PAR1" {
		t.Fatalf("output is not a parquet file")
	}
}

func TestChecksumIsStable(t *testing.T) {
	records := sampleRecords(t)
	_, first, err := EscrowsCSV(records)
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	_, second, err := EscrowsCSV(records)
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	if first != second {
		t.Fatalf("checksum changed between identical exports")
	}
}
