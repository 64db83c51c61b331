package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/nodeyard/internal/api"
	"github.com/zulandar/nodeyard/internal/models"
)

const defaultServer = "http://localhost:8000"

func newNodeCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Manage nodes through a running nodeyard server",
	}
	cmd.PersistentFlags().StringVarP(&server, "server", "s", defaultServer, "nodeyard API address")

	cmd.AddCommand(newNodeListCmd(&server))
	cmd.AddCommand(newNodeCreateCmd(&server))
	cmd.AddCommand(newNodeGetCmd(&server))
	cmd.AddCommand(newNodeIntentCmd(&server, "run", "Start a node's workload and display route", (*api.Client).Run))
	cmd.AddCommand(newNodeIntentCmd(&server, "stop", "Stop a node", (*api.Client).Stop))
	cmd.AddCommand(newNodeIntentCmd(&server, "wipe", "Stop a node and reset its disk to the base image", (*api.Client).Wipe))
	cmd.AddCommand(newNodeIntentCmd(&server, "delete", "Delete a node and its disk", (*api.Client).Delete))
	cmd.AddCommand(newNodeAccessCmd(&server))
	return cmd
}

func newNodeListCmd(server *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			nodes, err := newClient(*server).List(cmd.Context())
			if err != nil {
				return err
			}
			printNodes(cmd.OutOrStdout(), nodes)
			return nil
		},
	}
}

func newNodeCreateCmd(server *string) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create a stopped node with a fresh disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := newClient(*server).Create(cmd.Context())
			if err != nil {
				return err
			}
			printNode(cmd.OutOrStdout(), n)
			return nil
		},
	}
}

func newNodeGetCmd(server *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseNodeID(args[0])
			if err != nil {
				return err
			}
			n, err := newClient(*server).Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			printNode(cmd.OutOrStdout(), n)
			return nil
		},
	}
}

type nodeIntent func(c *api.Client, ctx context.Context, id uint) (*models.Node, error)

func newNodeIntentCmd(server *string, use, short string, intent nodeIntent) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseNodeID(args[0])
			if err != nil {
				return err
			}
			n, err := intent(newClient(*server), cmd.Context(), id)
			if err != nil {
				return err
			}
			printNode(cmd.OutOrStdout(), n)
			return nil
		},
	}
}

func newNodeAccessCmd(server *string) *cobra.Command {
	return &cobra.Command{
		Use:   "access <id>",
		Short: "Mint a single-use display URL for a running node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseNodeID(args[0])
			if err != nil {
				return err
			}
			a, err := newClient(*server).Access(cmd.Context(), id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Node:      %s\n", a.Node.Name)
			fmt.Fprintf(out, "Principal: %s\n", a.Credential.Principal)
			fmt.Fprintf(out, "URL:       %s\n", a.URL)
			return nil
		},
	}
}

func newClient(server string) *api.Client {
	return api.NewClient(server, 2*time.Minute)
}

func parseNodeID(s string) (uint, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid node id %q", s)
	}
	return uint(id), nil
}

func printNodes(out io.Writer, nodes []models.Node) {
	if len(nodes) == 0 {
		fmt.Fprintln(out, "No nodes.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPORT\tPID\tROUTE")
	for _, n := range nodes {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			n.ID, n.Name, n.Status, intOrDash(n.DisplayPort), intOrDash(n.WorkloadPID), strOrDash(n.SessionRouteID))
	}
	w.Flush()
}

func printNode(out io.Writer, n *models.Node) {
	fmt.Fprintf(out, "ID:      %d\n", n.ID)
	fmt.Fprintf(out, "Name:    %s\n", n.Name)
	fmt.Fprintf(out, "Status:  %s\n", n.Status)
	fmt.Fprintf(out, "Overlay: %s\n", n.OverlayPath)
	if n.Running() {
		fmt.Fprintf(out, "Port:    %s\n", intOrDash(n.DisplayPort))
		fmt.Fprintf(out, "PID:     %s\n", intOrDash(n.WorkloadPID))
		fmt.Fprintf(out, "Route:   %s\n", strOrDash(n.SessionRouteID))
	}
}

func intOrDash(v *int) string {
	if v == nil {
		return "-"
	}
	return strconv.Itoa(*v)
}

func strOrDash(v *string) string {
	if v == nil {
		return "-"
	}
	return *v
}
