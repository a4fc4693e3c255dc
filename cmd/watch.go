package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/markb/possync/internal/app"
	"github.com/markb/possync/internal/channels"
	"github.com/markb/possync/internal/realtime"
	"github.com/markb/possync/internal/session"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the session and print change events",
	Long: `Resume the saved session and keep it in sync until interrupted. With
--table, also subscribe to that table's changes and print each one as a JSON
line.

Examples:
  # Follow identity changes only
  possync watch

  # Print new orders of one store
  possync watch --table orders --filter store_id=eq.42 --event insert`,
	RunE: func(cmd *cobra.Command, args []string) error {
		table, _ := cmd.Flags().GetString("table")
		schema, _ := cmd.Flags().GetString("schema")
		filter, _ := cmd.Flags().GetString("filter")
		eventName, _ := cmd.Flags().GetString("event")
		name, _ := cmd.Flags().GetString("name")
		interval, _ := cmd.Flags().GetDuration("health-interval")

		event, err := realtime.ParseEventType(eventName)
		if err != nil {
			return err
		}

		out := &lineWriter{enc: json.NewEncoder(os.Stdout)}
		a, err := openApp(cmd, func(cfg *app.Config) {
			if interval > 0 {
				cfg.SweepInterval = interval
			}
			cfg.OnHealth = func(r channels.HealthReport) {
				if !r.Healthy {
					fmt.Fprintf(os.Stderr, "health: evicted %v (%d channels)\n", r.StaleChannels, r.TotalChannels)
				}
			}
		})
		if err != nil {
			return err
		}
		defer a.Close()

		if a.Session().Identity().Session == nil {
			return fmt.Errorf("not signed in; run 'possync signin' first")
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		var signedIn bool
		stop := a.Session().Watch(func(v session.View) {
			if v.IsLoading {
				return
			}
			if v.Session == nil {
				if signedIn {
					fmt.Fprintln(os.Stderr, "Signed out")
				}
				cancel()
				return
			}
			signedIn = true
			out.write(map[string]any{"type": "identity", "identity": v.Identity})
		})
		defer stop()

		if table != "" {
			if name == "" {
				name = "watch:" + table
			}
			d := realtime.Descriptor{Name: name, Schema: schema, Table: table, Filter: filter, Event: event}
			h := a.Channels().Open(d, func(ev realtime.ChangeEvent) {
				out.write(map[string]any{"type": "change", "channel": name, "event": ev})
			})
			if h == nil {
				return fmt.Errorf("could not open channel %s", name)
			}
			fmt.Fprintf(os.Stderr, "Watching %s (%s)\n", table, d.Topic())
		}

		return a.Run(ctx)
	},
}

// lineWriter serializes JSON lines from concurrent callbacks.
type lineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (w *lineWriter) write(v any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "write failed: %v\n", err)
	}
}

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "Show channel diagnostics for the current session",
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetDuration("wait")

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		select {
		case <-time.After(wait):
		case <-cmd.Context().Done():
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(a.Channels().DebugInfo())
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(channelsCmd)

	watchCmd.Flags().String("table", "", "Table to subscribe to")
	watchCmd.Flags().String("schema", "public", "Schema of --table")
	watchCmd.Flags().String("filter", "", "Row filter, e.g. store_id=eq.42")
	watchCmd.Flags().String("event", "*", "Event to follow: insert, update, delete or *")
	watchCmd.Flags().String("name", "", "Channel name (default watch:<table>)")
	watchCmd.Flags().Duration("health-interval", 0, "Health sweep interval (default 30s)")

	channelsCmd.Flags().Duration("wait", 2*time.Second, "How long to let channels subscribe before reporting")
}
