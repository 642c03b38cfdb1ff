package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"arcesc/crypto"
	"arcesc/native/arbitration"
)

func (c *cli) decisionCmd(action, short string, withReason bool) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			oracle, err := c.oracle(cmd.Context())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			var settlement *arbitration.Settlement
			var txID string
			var height uint64
			switch action {
			case "open":
				s, receipt, err := oracle.OpenReview(ctx, id)
				if err != nil {
					return err
				}
				settlement, txID, height = s, receipt.TxID, receipt.Height
			case "settle":
				s, receipt, err := oracle.Settle(ctx, id, reason)
				if err != nil {
					return err
				}
				settlement, txID, height = s, receipt.TxID, receipt.Height
			case "dispute":
				s, receipt, err := oracle.MarkDisputed(ctx, id, reason)
				if err != nil {
					return err
				}
				settlement, txID, height = s, receipt.TxID, receipt.Height
			case "cancel":
				s, receipt, err := oracle.Cancel(ctx, id, reason)
				if err != nil {
					return err
				}
				settlement, txID, height = s, receipt.TxID, receipt.Height
			default:
				return fmt.Errorf("unknown decision %q", action)
			}
			return printJSON(cmd, txResult{TxID: txID, Height: height, Settlement: settlement})
		},
	}
	if withReason {
		cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the decision")
	}
	return cmd
}

func (c *cli) settlementCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "settlement <id>",
		Short: "Show the arbitration record for an escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			oracle, err := c.oracle(cmd.Context())
			if err != nil {
				return err
			}
			settlement, err := oracle.GetSettlement(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, settlement)
		},
	}
}

func (c *cli) arbitratorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "arbitrators",
		Short: "Inspect or change the arbitrator allow-list",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List authorized arbitrators",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				oracle, err := c.oracle(cmd.Context())
				if err != nil {
					return err
				}
				addrs, err := oracle.Arbitrators(cmd.Context())
				if err != nil {
					return err
				}
				out := make([]string, 0, len(addrs))
				for _, addr := range addrs {
					out = append(out, crypto.FormatAddress(addr))
				}
				return printJSON(cmd, out)
			},
		},
		&cobra.Command{
			Use:   "add <address>",
			Short: "Authorize an arbitrator (governance)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				addr, err := crypto.ParseAddress(args[0])
				if err != nil {
					return err
				}
				oracle, err := c.oracle(cmd.Context())
				if err != nil {
					return err
				}
				receipt, err := oracle.AddArbitrator(cmd.Context(), addr)
				if err != nil {
					return err
				}
				return printJSON(cmd, txResult{TxID: receipt.TxID, Height: receipt.Height})
			},
		},
		&cobra.Command{
			Use:   "remove <address>",
			Short: "Revoke an arbitrator (governance)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				addr, err := crypto.ParseAddress(args[0])
				if err != nil {
					return err
				}
				oracle, err := c.oracle(cmd.Context())
				if err != nil {
					return err
				}
				receipt, err := oracle.RemoveArbitrator(cmd.Context(), addr)
				if err != nil {
					return err
				}
				return printJSON(cmd, txResult{TxID: receipt.TxID, Height: receipt.Height})
			},
		},
	)
	return cmd
}
