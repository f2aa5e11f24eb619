package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Veraticus/tally/internal/cli"
)

func merchantsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merchants",
		Short: "Inspect merchant memory",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every remembered merchant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.storage.ListMerchants(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list merchants: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), cli.RenderMerchants(entries))
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <merchant-key>",
		Short: "Show one merchant entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			entry, err := a.storage.Get(cmd.Context(), args[0])
			if err != nil {
				return notFound("merchant", args[0], err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), cli.RenderMerchant(entry))
			return err
		},
	})
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the decision log",
	}

	show := &cobra.Command{
		Use:   "show <transaction-id>",
		Short: "List the audit events of a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			events, err := a.engine.AuditTrail(cmd.Context(), args[0])
			if err != nil {
				return notFound("transaction", args[0], err)
			}
			out := cmd.OutOrStdout()
			if raw, _ := cmd.Flags().GetBool("json"); raw {
				return writeJSON(out, events)
			}
			_, err = fmt.Fprintln(out, cli.RenderAudit(events))
			return err
		},
	}
	show.Flags().Bool("json", false, "print the events with their payloads as JSON")
	cmd.AddCommand(show)
	return cmd
}
