package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/celerix-dev/celerix-beacon/pkg/schema"
	"github.com/celerix-dev/celerix-beacon/pkg/sdk"
)

var (
	addr    string
	userID  string
	timeout time.Duration
	client  *sdk.Client

	historyLimit int
	noteLimit    int
	unreadOnly   bool
	stateName    string

	rootCmd = &cobra.Command{
		Use:           "beacon",
		Short:         "Command line client for the beacond API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			client, err = sdk.Connect(addr, userID)
			return err
		},
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Read or publish a status",
	}
	statusSetCmd = &cobra.Command{
		Use:   "set <green|yellow|red> [message]",
		Short: "Publish a new status",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runStatusSet,
	}
	statusGetCmd = &cobra.Command{
		Use:   "get [user]",
		Short: "Show your status, or a friend's",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStatusGet,
	}
	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "Show your recent statuses, newest first",
		Args:  cobra.NoArgs,
		RunE:  runHistory,
	}

	ackCmd = &cobra.Command{
		Use:   "ack <user> [revision]",
		Short: "Acknowledge a friend's escalation",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runAck,
	}
	escalationCmd = &cobra.Command{
		Use:   "escalation <user>",
		Short: "Show the latest escalation for a user",
		Args:  cobra.ExactArgs(1),
		RunE:  runEscalation,
	}

	notificationsCmd = &cobra.Command{
		Use:     "notifications",
		Aliases: []string{"n"},
		Short:   "List your notifications",
		Args:    cobra.NoArgs,
		RunE:    runNotifications,
	}
	readAllCmd = &cobra.Command{
		Use:   "read-all",
		Short: "Mark every notification as read",
		Args:  cobra.NoArgs,
		RunE:  runReadAll,
	}

	friendsCmd = &cobra.Command{
		Use:   "friends",
		Short: "List friendships",
		Args:  cobra.NoArgs,
		RunE:  runFriends,
	}
	friendRequestCmd = &cobra.Command{
		Use:   "request <user>",
		Short: "Send a friend request",
		Args:  cobra.ExactArgs(1),
		RunE:  runFriendRequest,
	}
	friendAcceptCmd = &cobra.Command{
		Use:   "accept <friendship-id>",
		Short: "Accept a pending friend request",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return respond(cmd, args[0], true) },
	}
	friendDenyCmd = &cobra.Command{
		Use:   "deny <friendship-id>",
		Short: "Deny a pending friend request",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return respond(cmd, args[0], false) },
	}
)

func init() {
	defaultAddr := os.Getenv("BEACON_ADDR")
	if defaultAddr == "" {
		defaultAddr = "localhost:7002"
	}
	rootCmd.PersistentFlags().StringVar(&addr, "addr", defaultAddr, "beacond address (env BEACON_ADDR)")
	rootCmd.PersistentFlags().StringVar(&userID, "user", os.Getenv("BEACON_USER"), "acting user ID (env BEACON_USER)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")

	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of statuses to show")
	notificationsCmd.Flags().IntVar(&noteLimit, "limit", 50, "number of notifications to show")
	notificationsCmd.Flags().BoolVar(&unreadOnly, "unread", false, "only unread notifications")
	friendsCmd.Flags().StringVar(&stateName, "state", "", "filter by pending, accepted or denied")

	statusCmd.AddCommand(statusSetCmd, statusGetCmd, historyCmd)
	notificationsCmd.AddCommand(readAllCmd)
	friendsCmd.AddCommand(friendRequestCmd, friendAcceptCmd, friendDenyCmd)
	rootCmd.AddCommand(statusCmd, ackCmd, escalationCmd, notificationsCmd, friendsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

func runStatusSet(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()
	var message string
	if len(args) > 1 {
		message = args[1]
	}
	rec, err := client.SetStatus(ctx, schema.Status(args[0]), message)
	if err != nil {
		return err
	}
	return printJSON(rec)
}

func runStatusGet(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()
	var target string
	if len(args) == 1 {
		target = args[0]
	}
	rec, err := client.Status(ctx, target)
	if err != nil {
		return err
	}
	return printJSON(rec)
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()
	list, err := client.History(ctx, historyLimit)
	if err != nil {
		return err
	}
	return printJSON(list)
}

func runAck(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()
	var rev int64
	if len(args) == 2 {
		var err error
		if rev, err = strconv.ParseInt(args[1], 10, 64); err != nil {
			return fmt.Errorf("invalid revision %q", args[1])
		}
	}
	run, err := client.Acknowledge(ctx, args[0], rev)
	if err != nil {
		return err
	}
	return printJSON(run)
}

func runEscalation(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()
	run, err := client.Escalation(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(run)
}

func runNotifications(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()
	list, unread, err := client.Notifications(ctx, unreadOnly, noteLimit)
	if err != nil {
		return err
	}
	fmt.Printf("%d unread\n", unread)
	return printJSON(list)
}

func runReadAll(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()
	n, err := client.MarkAllRead(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("marked %d as read\n", n)
	return nil
}

func runFriends(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()
	list, err := client.Friends(ctx, schema.FriendshipState(stateName))
	if err != nil {
		return err
	}
	return printJSON(list)
}

func runFriendRequest(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()
	f, err := client.RequestFriend(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(f)
}

func respond(cmd *cobra.Command, id string, accept bool) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()
	f, err := client.RespondFriend(ctx, id, accept)
	if err != nil {
		return err
	}
	return printJSON(f)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
