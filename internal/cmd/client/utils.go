package client

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	transports "github.com/izp1012/meloncity/internal/cmd/client/transports"
)

// BaseURLFunc provides the base HTTP API URL (e.g., from env or flag).
type BaseURLFunc func() string

// BaseURLFromEnv returns MELONCITY_HTTP or the local default.
func BaseURLFromEnv() string {
	if u := os.Getenv("MELONCITY_HTTP"); u != "" {
		return u
	}
	return "http://127.0.0.1:8080"
}

// grpcAddrFromEnv returns the gRPC server address from MELONCITY_GRPC or a default.
func grpcAddrFromEnv() string {
	if addr := os.Getenv("MELONCITY_GRPC"); addr != "" {
		return addr
	}
	return "127.0.0.1:9090"
}

// dialGRPCContext dials the gRPC endpoint with insecure transport for local/dev.
func dialGRPCContext(_ context.Context) (*grpc.ClientConn, error) {
	return grpc.NewClient(grpcAddrFromEnv(), grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// userFlag registers --user, defaulting to MELONCITY_USER_ID.
func userFlag(cmd *cobra.Command) {
	def, _ := strconv.ParseInt(os.Getenv("MELONCITY_USER_ID"), 10, 64)
	cmd.PersistentFlags().Int64("user", def, "Acting user id (sent as the User-Id header)")
}

func chatTransport(cmd *cobra.Command, baseURL BaseURLFunc) transports.ChatTransport {
	user, _ := cmd.Flags().GetInt64("user")
	return transports.NewHTTPTransport(baseURL(), user)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func roomIDArg(args []string) (int64, error) {
	return strconv.ParseInt(args[0], 10, 64)
}
