package client

import (
	"github.com/spf13/cobra"
)

// NewRoot constructs a root Cobra command for the meloncity client.
// It registers the stream, room and health command groups.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "meloncity",
		Short: "meloncity client commands",
	}
	root.AddCommand(NewStreamCommand(baseURL))
	root.AddCommand(NewRoomCommand(baseURL))
	root.AddCommand(NewHealthCommand())
	return root
}
