package client

import (
	"fmt"

	"github.com/spf13/cobra"

	transports "github.com/izp1012/meloncity/internal/cmd/client/transports"
)

// NewHealthCommand constructs the `health` command, checking the gRPC
// health service at MELONCITY_GRPC.
func NewHealthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check server health over gRPC",
		RunE: func(cmd *cobra.Command, _ []string) error {
			service, _ := cmd.Flags().GetString("service")
			status, err := transports.NewGrpcTransport(dialGRPCContext).Health(cmd.Context(), service)
			if err != nil {
				return err
			}
			name := service
			if name == "" {
				name = "server"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", name, status)
			return nil
		},
	}
	cmd.Flags().String("service", "", "Health service name, e.g. meloncity.consumer")
	return cmd
}
