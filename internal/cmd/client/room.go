package client

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	transports "github.com/izp1012/meloncity/internal/cmd/client/transports"
)

// NewRoomCommand constructs the `room` command group and subcommands.
func NewRoomCommand(baseURL BaseURLFunc) *cobra.Command {
	roomCmd := &cobra.Command{Use: "room", Short: "Chat room operations"}
	userFlag(roomCmd)
	roomCmd.AddCommand(
		newRoomListCommand(baseURL),
		newRoomCreateCommand(baseURL),
		newRoomJoinCommand(baseURL),
		newRoomLeaveCommand(baseURL),
		newRoomSendCommand(baseURL),
		newRoomHistoryCommand(baseURL),
	)
	return roomCmd
}

func newRoomListCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List public rooms, or your rooms with --mine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mine, _ := cmd.Flags().GetBool("mine")
			rooms, err := chatTransport(cmd, baseURL).ListRooms(cmd.Context(), mine)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tPRIVATE\tLAST MESSAGE")
			for _, r := range rooms {
				fmt.Fprintf(tw, "%d\t%s\t%t\t%s\n", r.ID, r.Name, r.Private, r.LastMessage)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Bool("mine", false, "Only rooms you are an active member of")
	return cmd
}

func newRoomCreateCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a room owned by the acting user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := transports.CreateRoomRequest{}
			req.Name, _ = cmd.Flags().GetString("name")
			req.Description, _ = cmd.Flags().GetString("description")
			req.Private, _ = cmd.Flags().GetBool("private")
			if cmd.Flags().Changed("max") {
				n, _ := cmd.Flags().GetInt("max")
				req.MaxParticipants = &n
			}
			room, err := chatTransport(cmd, baseURL).CreateRoom(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), room)
		},
	}
	cmd.Flags().String("name", "", "Room name")
	cmd.Flags().String("description", "", "Room description")
	cmd.Flags().Int("max", 0, "Maximum active participants")
	cmd.Flags().Bool("private", false, "Hide the room from public listings")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newRoomJoinCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "join <room-id>",
		Short: "Join a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roomID, err := roomIDArg(args)
			if err != nil {
				return err
			}
			p, err := chatTransport(cmd, baseURL).Join(cmd.Context(), roomID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "joined room %d as %s\n", p.RoomID, p.Role)
			return nil
		},
	}
}

func newRoomLeaveCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "leave <room-id>",
		Short: "Leave a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roomID, err := roomIDArg(args)
			if err != nil {
				return err
			}
			if _, err := chatTransport(cmd, baseURL).Leave(cmd.Context(), roomID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "left room %d\n", roomID)
			return nil
		},
	}
}

func newRoomSendCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <room-id>",
		Short: "Send a chat message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roomID, err := roomIDArg(args)
			if err != nil {
				return err
			}
			content, _ := cmd.Flags().GetString("content")
			tempID, _ := cmd.Flags().GetString("temp-id")
			res, err := chatTransport(cmd, baseURL).Send(cmd.Context(), roomID, content, tempID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s\n", res.StreamID)
			return nil
		},
	}
	cmd.Flags().String("content", "", "Message text")
	cmd.Flags().String("temp-id", "", "Client correlation id echoed back on delivery")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func newRoomHistoryCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <room-id>",
		Short: "Show stored messages, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roomID, err := roomIDArg(args)
			if err != nil {
				return err
			}
			page, _ := cmd.Flags().GetInt("page")
			size, _ := cmd.Flags().GetInt("size")
			filter, _ := cmd.Flags().GetString("filter")
			hp, err := chatTransport(cmd, baseURL).History(cmd.Context(), roomID, page, size, filter)
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return printJSON(cmd.OutOrStdout(), hp)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, m := range hp.Messages {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", m.ID, m.CreatedAt.Format("2006-01-02 15:04:05"), m.SenderName, m.Status, m.Content)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int("page", 0, "Zero-based page")
	cmd.Flags().Int("size", 0, "Page size (server default when 0)")
	cmd.Flags().String("filter", "", "CEL expression over message fields, e.g. 'senderId == 2'")
	cmd.Flags().Bool("json", false, "Print the raw page as JSON")
	return cmd
}
