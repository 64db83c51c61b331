package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newReconcileCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Mark nodes whose workload has died as stopped",
		Long:  "Asks the server to probe every running node now instead of waiting for the next scheduled pass.",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := newClient(server).Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reconciled %d node(s)\n", n)
			return nil
		},
	}

	cmd.Flags().StringVarP(&server, "server", "s", defaultServer, "nodeyard API address")
	return cmd
}
