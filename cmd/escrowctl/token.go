package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"arcesc/cmd/internal/secret"
	"arcesc/config"
	"arcesc/core/identity"
	"arcesc/crypto"
	"arcesc/rpc"
)

// tokenCmd mints a bearer token signed with the node's shared secret. It is
// meant for development networks where operators hold the secret.
func tokenCmd() *cobra.Command {
	var (
		address   string
		role      string
		ttl       time.Duration
		issuer    string
		audience  string
		secretEnv string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token",
		Example: `  ARCESC_AUTH_SECRET=... escrowctl token --address arc1... --role arbitrator --ttl 24h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr, err := parseAddress("address", address)
			if err != nil {
				return err
			}
			parsedRole, err := identity.ParseRole(role)
			if err != nil {
				return fmt.Errorf("--role: %w", err)
			}
			key, err := secret.NewSource(secretEnv, "signing secret").Get()
			if err != nil {
				return err
			}
			token, err := rpc.MintToken(key, rpc.TokenRequest{
				Caller:   identity.NewCaller(addr, parsedRole),
				Issuer:   issuer,
				Audience: audience,
				TTL:      ttl,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "token for %s as %s expires in %s\n", crypto.FormatAddress(addr), parsedRole, ttl)
			return nil
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "caller address")
	cmd.Flags().StringVar(&role, "role", "account", "account, arbitrator, coordinator or governance")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.Flags().StringVar(&issuer, "issuer", "", "iss claim expected by the node")
	cmd.Flags().StringVar(&audience, "audience", "", "aud claim expected by the node")
	cmd.Flags().StringVar(&secretEnv, "secret-env", config.EnvAuthSecret, "environment variable holding the signing secret")
	cmd.MarkFlagRequired("address")
	return cmd
}
