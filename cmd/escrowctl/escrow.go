package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"arcesc/core/amount"
	"arcesc/crypto"
	"arcesc/native/escrow"
)

func (c *cli) createCmd() *cobra.Command {
	var (
		payee       string
		value       string
		lock        time.Duration
		description string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Lock funds in a new escrow",
		Example: `  escrowctl create --payee arc1... --amount 250 --lock 72h --description "logo design"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			payeeAddr, err := parseAddress("payee", payee)
			if err != nil {
				return err
			}
			parsed, err := amount.Parse(value)
			if err != nil {
				return fmt.Errorf("--amount: %w", err)
			}
			if lock%time.Second != 0 {
				return fmt.Errorf("--lock must be a whole number of seconds")
			}
			registry, err := c.registry(cmd.Context())
			if err != nil {
				return err
			}
			esc, receipt, err := registry.CreateEscrow(cmd.Context(), payeeAddr, parsed, int64(lock/time.Second), description)
			if err != nil {
				return err
			}
			return printJSON(cmd, txResult{TxID: receipt.TxID, Height: receipt.Height, Escrow: esc})
		},
	}
	cmd.Flags().StringVar(&payee, "payee", "", "payee address")
	cmd.Flags().StringVar(&value, "amount", "", "amount in the fee asset, e.g. 250.5")
	cmd.Flags().DurationVar(&lock, "lock", 0, "lock duration, e.g. 1h")
	cmd.Flags().StringVar(&description, "description", "", "free-text description")
	cmd.MarkFlagRequired("payee")
	cmd.MarkFlagRequired("amount")
	cmd.MarkFlagRequired("lock")
	return cmd
}

type escrowDetail struct {
	Escrow                    *escrow.Escrow `json:"escrow"`
	TimeRemaining             int64          `json:"timeRemaining"`
	CanReleaseWithArbitration bool           `json:"canReleaseWithArbitration"`
}

func (c *cli) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show an escrow with its remaining lock time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			registry, err := c.registry(cmd.Context())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			esc, err := registry.GetEscrow(ctx, id)
			if err != nil {
				return err
			}
			remaining, err := registry.GetTimeRemaining(ctx, id)
			if err != nil {
				return err
			}
			canRelease, err := registry.CanReleaseWithArbitration(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd, escrowDetail{Escrow: esc, TimeRemaining: remaining, CanReleaseWithArbitration: canRelease})
		},
	}
}

func (c *cli) listCmd() *cobra.Command {
	var party, side string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escrows where an address is payer or payee",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr, err := parseAddress("party", party)
			if err != nil {
				return err
			}
			filter, err := escrow.ParseSide(side)
			if err != nil {
				return fmt.Errorf("--side: %w", err)
			}
			registry, err := c.registry(cmd.Context())
			if err != nil {
				return err
			}
			escrows, err := registry.ListEscrows(cmd.Context(), addr, filter)
			if err != nil {
				return err
			}
			if escrows == nil {
				escrows = []*escrow.Escrow{}
			}
			return printJSON(cmd, escrows)
		},
	}
	cmd.Flags().StringVar(&party, "party", "", "address to filter on")
	cmd.Flags().StringVar(&side, "side", "any", "payer, payee or any")
	cmd.MarkFlagRequired("party")
	return cmd
}

func (c *cli) countCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of escrows created",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			registry, err := c.registry(cmd.Context())
			if err != nil {
				return err
			}
			count, err := registry.GetEscrowCount(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), count)
			return nil
		},
	}
}

func (c *cli) releaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <id>",
		Short: "Release escrowed funds to the payee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			registry, err := c.registry(cmd.Context())
			if err != nil {
				return err
			}
			esc, receipt, err := registry.ReleaseEscrow(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, txResult{TxID: receipt.TxID, Height: receipt.Height, Escrow: esc})
		},
	}
}

func (c *cli) refundCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refund <id>",
		Short: "Refund an expired escrow to the payer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			registry, err := c.registry(cmd.Context())
			if err != nil {
				return err
			}
			esc, receipt, err := registry.RefundEscrow(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, txResult{TxID: receipt.TxID, Height: receipt.Height, Escrow: esc})
		},
	}
}

func (c *cli) balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <address>",
		Short: "Show an account balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := crypto.ParseAddress(args[0])
			if err != nil {
				return err
			}
			registry, err := c.registry(cmd.Context())
			if err != nil {
				return err
			}
			balance, err := registry.Balance(cmd.Context(), addr)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", amount.Format(balance), c.client.FeeAsset())
			return nil
		},
	}
}
