package main

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mark-chris/plansync/internal/apierr"
	"github.com/mark-chris/plansync/internal/collab"
	"github.com/mark-chris/plansync/internal/notify"
)

var watchMetricsAddr string

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"notes"},
	Short:   "List and follow notifications",
}

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notifications, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		list, err := a.Query.Notifications(cmd.Context())
		if err != nil {
			return err
		}
		if len(list) == 0 {
			cmd.Println("No notifications")
			return nil
		}
		printNotifications(cmd, list)
		return nil
	},
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read <notification-id>",
	Short: "Mark a notification read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := a.Query.MarkRead(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("failed to mark notification read: %w", err)
		}
		cmd.Printf("Marked %s read\n", args[0])
		return nil
	},
}

var notificationsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print notifications as they arrive",
	Long:  "Keep a live connection to the server and print every new notification until interrupted. The session is followed as it changes; a logout elsewhere stops the stream until the next login.",
	RunE:  runWatch,
}

func init() {
	notificationsWatchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	notificationsCmd.AddCommand(notificationsListCmd)
	notificationsCmd.AddCommand(notificationsReadCmd)
	notificationsCmd.AddCommand(notificationsWatchCmd)
	rootCmd.AddCommand(notificationsCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, cleanup, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	if !a.Sessions.Current().Authenticated() {
		return apierr.ErrNotAuthenticated
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if watchMetricsAddr != "" {
		l, err := net.Listen("tcp", watchMetricsAddr)
		if err != nil {
			return fmt.Errorf("failed to listen for metrics: %w", err)
		}
		srv := &http.Server{Handler: a.Metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				cmd.PrintErrf("metrics server stopped: %v\n", err)
			}
		}()
		defer func() { _ = srv.Close() }()
		cmd.Printf("Metrics on http://%s/metrics\n", l.Addr())
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
	)
	unsubscribe := a.Notify.OnChange(func(s notify.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		for i := len(s.Notifications) - 1; i >= 0; i-- {
			n := s.Notifications[i]
			if seen[n.ID] {
				continue
			}
			seen[n.ID] = true
			if n.Unread() {
				cmd.Printf("%s  %s\n", n.CreatedAt.Local().Format(time.Kitchen), describe(n))
			}
		}
	})
	defer unsubscribe()

	cmd.Println("Watching for notifications (Ctrl-C to stop)")
	return a.Run(ctx)
}

func describe(n collab.Notification) string {
	if n.IsInvitation() {
		return fmt.Sprintf("%s  [plansync invitations accept %s %s]", n.Message, n.PlanID, n.InvitationID)
	}
	return n.Message
}

func printNotifications(cmd *cobra.Command, list []collab.Notification) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tCREATED\tMESSAGE")
	for _, n := range list {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", n.ID, n.Status, n.CreatedAt.Local().Format(time.DateTime), n.Message)
	}
	_ = w.Flush()
}
