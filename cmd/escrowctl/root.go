package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"arcesc/core/identity"
	"arcesc/crypto"
	"arcesc/ledger"
)

const (
	envEndpoint = "ARCESC_ENDPOINT"
	envToken    = "ARCESC_TOKEN"
)

type cli struct {
	endpoint string
	token    string
	timeout  time.Duration

	client *ledger.Client
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "escrowctl",
		Short:         "Operate escrows and arbitration on an arcescd node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&c.endpoint, "endpoint", envOr(envEndpoint, "http://127.0.0.1:8080"), "arcescd base URL")
	flags.StringVar(&c.token, "token", os.Getenv(envToken), "bearer token identifying the caller")
	flags.DurationVar(&c.timeout, "timeout", 15*time.Second, "request timeout")

	root.AddCommand(
		c.createCmd(),
		c.getCmd(),
		c.listCmd(),
		c.countCmd(),
		c.releaseCmd(),
		c.refundCmd(),
		c.decisionCmd("open", "Open arbitration review for an escrow", false),
		c.decisionCmd("settle", "Settle arbitration in favour of release", true),
		c.decisionCmd("dispute", "Mark an escrow's arbitration as disputed", true),
		c.decisionCmd("cancel", "Cancel arbitration for an escrow", true),
		c.settlementCmd(),
		c.arbitratorsCmd(),
		c.balanceCmd(),
		c.exportCmd(),
		tokenCmd(),
	)
	return root
}

// connect dials the node once per invocation.
func (c *cli) connect(ctx context.Context) (*ledger.Client, error) {
	if c.client != nil {
		return c.client, nil
	}
	client, err := ledger.Dial(ctx, ledger.ClientConfig{
		BaseURL: c.endpoint,
		Token:   c.token,
		Timeout: c.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", c.endpoint, err)
	}
	c.client = client
	return client, nil
}

// The node derives the caller from the bearer token, so the typed clients
// carry an empty identity.
func (c *cli) registry(ctx context.Context) (*ledger.RegistryClient, error) {
	client, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	return ledger.NewRegistryClient(client, identity.Caller{}), nil
}

func (c *cli) oracle(ctx context.Context) (*ledger.OracleClient, error) {
	client, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	return ledger.NewOracleClient(client, identity.Caller{}), nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid escrow id %q", raw)
	}
	return id, nil
}

func parseAddress(flag, raw string) ([20]byte, error) {
	addr, err := crypto.ParseAddress(raw)
	if err != nil {
		return addr, fmt.Errorf("--%s: %w", flag, err)
	}
	return addr, nil
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

type txResult struct {
	TxID       string `json:"txId"`
	Height     uint64 `json:"height"`
	Escrow     any    `json:"escrow,omitempty"`
	Settlement any    `json:"settlement,omitempty"`
}
