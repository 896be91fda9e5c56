package client

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// NewStreamCommand constructs the `stream` command group and subcommands.
func NewStreamCommand(baseURL BaseURLFunc) *cobra.Command {
	streamCmd := &cobra.Command{Use: "stream", Short: "Chat stream operations"}
	streamCmd.AddCommand(
		newStreamStatusCommand(baseURL),
		newStreamDLQCommand(baseURL),
	)
	return streamCmd
}

// newStreamStatusCommand constructs the `stream status` subcommand.
func newStreamStatusCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show stream length, consumer groups and pending entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rep, err := chatTransport(cmd, baseURL).StreamStatus(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return printJSON(cmd.OutOrStdout(), rep)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "stream:  %s (%d entries)\n", rep.Stream, rep.Length)
			fmt.Fprintf(out, "group:   %s\n", rep.Group)
			fmt.Fprintf(out, "pending: %d", rep.Pending.Count)
			if rep.Pending.Count > 0 {
				fmt.Fprintf(out, " [%s .. %s]", rep.Pending.Oldest, rep.Pending.Newest)
			}
			fmt.Fprintln(out)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			if len(rep.Groups) > 0 {
				fmt.Fprintln(tw, "GROUP\tCONSUMERS\tPENDING\tLAST DELIVERED")
				for _, g := range rep.Groups {
					fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", g.Name, g.Consumers, g.Pending, g.LastDelivered)
				}
			}
			if len(rep.Processors) > 0 {
				fmt.Fprintln(tw, "CONSUMER\tRUNNING\tPROCESSED\tDEAD\tLAST ID")
				for _, p := range rep.Processors {
					fmt.Fprintf(tw, "%s\t%t\t%d\t%d\t%s\n", p.Consumer, p.Running, p.Processed, p.DeadLettered, p.LastID)
				}
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Bool("json", false, "Print the raw report as JSON")
	return cmd
}

// newStreamDLQCommand constructs the `stream dlq` subcommand.
func newStreamDLQCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "List dead-lettered stream entries, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			dls, err := chatTransport(cmd, baseURL).DeadLetters(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), dls)
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum entries to list")
	return cmd
}
