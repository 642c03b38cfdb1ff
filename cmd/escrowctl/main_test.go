package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"arcesc/config"
	coreerrors "arcesc/core/errors"
	"arcesc/core/identity"
	"arcesc/crypto"
	"arcesc/ledger"
	"arcesc/rpc"
	"arcesc/storage"
)

const testSecret = "escrowctl-secret"

func addr(b byte) [20]byte {
	var out [20]byte
	out[19] = b
	return out
}

func startNode(t *testing.T) string {
	t.Helper()
	local, err := ledger.NewLocal(storage.NewMemDB(), ledger.Config{})
	require.NoError(t, err)
	require.NoError(t, local.ApplyGenesis(ledger.Genesis{
		Governors:   []string{crypto.FormatAddress(addr(5))},
		Arbitrators: []string{crypto.FormatAddress(addr(3))},
		Balances:    map[string]string{crypto.FormatAddress(addr(1)): "1000"},
	}))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	auth, err := rpc.NewAuthenticator(rpc.AuthConfig{HMACSecret: testSecret}, logger)
	require.NoError(t, err)
	server, err := rpc.NewServer(rpc.Config{Backend: local, Authenticator: auth, Logger: logger})
	require.NoError(t, err)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func mint(t *testing.T, caller identity.Caller) string {
	t.Helper()
	token, err := rpc.MintToken(testSecret, rpc.TokenRequest{Caller: caller, TTL: time.Hour})
	require.NoError(t, err)
	return token
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestEscrowLifecycleFromCLI(t *testing.T) {
	url := startNode(t)
	payer := mint(t, identity.Account(addr(1)))
	arbitrator := mint(t, identity.NewCaller(addr(3), identity.RoleArbitrator))
	payee := crypto.FormatAddress(addr(2))

	out, err := execute(t, "--endpoint", url, "--token", payer,
		"create", "--payee", payee, "--amount", "250", "--lock", "1h", "--description", "logo design")
	require.NoError(t, err)
	var created txResult
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	require.NotEmpty(t, created.TxID)

	out, err = execute(t, "--endpoint", url, "--token", payer, "count")
	require.NoError(t, err)
	require.Equal(t, "1", strings.TrimSpace(out))

	_, err = execute(t, "--endpoint", url, "--token", payer, "refund", "0")
	require.ErrorIs(t, err, coreerrors.ErrNotYetEligible)

	out, err = execute(t, "--endpoint", url, "--token", arbitrator, "settle", "0", "--reason", "delivered")
	require.NoError(t, err)
	require.Contains(t, out, "delivered")

	out, err = execute(t, "--endpoint", url, "--token", payer, "get", "0")
	require.NoError(t, err)
	var detail struct {
		CanReleaseWithArbitration bool `json:"canReleaseWithArbitration"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &detail))
	require.True(t, detail.CanReleaseWithArbitration)

	_, err = execute(t, "--endpoint", url, "--token", payer, "release", "0")
	require.NoError(t, err)

	out, err = execute(t, "--endpoint", url, "--token", payer, "balance", payee)
	require.NoError(t, err)
	require.Contains(t, out, "250")

	out, err = execute(t, "--endpoint", url, "--token", payer, "list", "--party", payee, "--side", "payee")
	require.NoError(t, err)
	require.Contains(t, out, "RELEASED")
}

func TestExportWritesFile(t *testing.T) {
	url := startNode(t)
	payer := mint(t, identity.Account(addr(1)))
	_, err := execute(t, "--endpoint", url, "--token", payer,
		"create", "--payee", crypto.FormatAddress(addr(2)), "--amount", "5", "--lock", "2h")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "escrows.jsonl")
	_, err = execute(t, "--endpoint", url, "--token", payer, "export", "--format", "jsonl", "--out", path)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(string(data), "\n"))

	_, err = execute(t, "--endpoint", url, "--token", payer, "export", "--format", "xml")
	require.Error(t, err)
}

func TestArbitratorsCommands(t *testing.T) {
	url := startNode(t)
	governor := mint(t, identity.NewCaller(addr(5), identity.RoleGovernance))
	added := crypto.FormatAddress(addr(7))

	_, err := execute(t, "--endpoint", url, "--token", governor, "arbitrators", "add", added)
	require.NoError(t, err)
	out, err := execute(t, "--endpoint", url, "--token", governor, "arbitrators", "list")
	require.NoError(t, err)
	require.Contains(t, out, added)

	stranger := mint(t, identity.Account(addr(9)))
	_, err = execute(t, "--endpoint", url, "--token", stranger, "arbitrators", "remove", added)
	require.ErrorIs(t, err, coreerrors.ErrUnauthorized)
}

func TestTokenCommandUsesSecretEnv(t *testing.T) {
	t.Setenv(config.EnvAuthSecret, testSecret)
	out, err := execute(t, "token", "--address", crypto.FormatAddress(addr(3)), "--role", "arbitrator")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	auth, err := rpc.NewAuthenticator(rpc.AuthConfig{HMACSecret: testSecret}, logger)
	require.NoError(t, err)
	caller, err := auth.Parse(strings.TrimSpace(out))
	require.NoError(t, err)
	require.Equal(t, identity.RoleArbitrator, caller.Role)
	require.Equal(t, addr(3), caller.Address)

	_, err = execute(t, "token", "--address", crypto.FormatAddress(addr(3)), "--role", "wizard")
	require.Error(t, err)
}
