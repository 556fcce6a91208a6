package cmd

import (
	"fmt"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"taskqueue/internal/store"
	"taskqueue/pkg/api"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print the queue every time it changes",
	Long: `Subscribe to the controller's change feed and re-print the pending queue
after every change. Press Ctrl+C to stop.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		wsURL, err := feedURL(viper.GetString("url"))
		if err != nil {
			return err
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			return fmt.Errorf("failed to connect to change feed: %w", err)
		}
		defer conn.Close()

		// Unblock the read loop on interrupt.
		go func() {
			<-ctx.Done()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		}()

		client := newClient()
		render := func() error {
			pending, err := client.ListInstances(string(store.StatePending))
			if err != nil {
				return err
			}
			cmd.Printf("%s── %s ──%s\n", colorDim, time.Now().Format(time.TimeOnly), colorReset)
			if len(pending) == 0 {
				cmd.Println("Queue is empty.")
				return nil
			}
			printQueue(cmd.OutOrStdout(), pending)
			return nil
		}

		if err := render(); err != nil {
			return err
		}
		for {
			var event api.ChangeEvent
			if err := conn.ReadJSON(&event); err != nil {
				if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return nil
				}
				return fmt.Errorf("change feed closed: %w", err)
			}
			if event.Type != api.ChangeEventType {
				continue
			}
			if err := render(); err != nil {
				return err
			}
		}
	},
}

// feedURL maps the controller URL onto its websocket endpoint.
func feedURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid controller url %q: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid controller url %q: unsupported scheme", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
