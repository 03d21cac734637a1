package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/life-stream-dev/mqtt-session-core/internal/config"
	"github.com/life-stream-dev/mqtt-session-core/internal/database"
	"github.com/life-stream-dev/mqtt-session-core/internal/session"
)

func newSessionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List the sessions stored in the configured session store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.ReadConfig(flagOrEnv(cmd, "config", "MQTT_CONFIG", config.DefaultPath))
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := database.Open(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close(ctx)
			return listSessions(ctx, cmd, store, time.Now())
		},
	}
}

func listSessions(ctx context.Context, cmd *cobra.Command, store database.Store, now time.Time) error {
	records, err := store.List(ctx)
	if err != nil {
		return err
	}
	tasks, err := store.ListWillTasks(ctx)
	if err != nil {
		return err
	}
	wills := make(map[string]time.Time, len(tasks))
	for _, task := range tasks {
		wills[task.ClientID] = task.FireAt
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, color.New(color.Bold).Sprint("CLIENT ID\tEXPIRY\tDISCONNECTED\tSUBSCRIPTIONS\tINFLIGHT\tWILL"))
	for _, record := range records {
		inflight, err := store.GetInflight(ctx, record.ClientID)
		if err != nil {
			return err
		}
		expiry := "never"
		if record.ExpiryInterval != session.ExpiryNever {
			expiry = record.ExpiryInterval.String()
		}
		disconnected := color.GreenString("connected")
		if !record.DisconnectedAt.IsZero() {
			disconnected = now.Sub(record.DisconnectedAt).Truncate(time.Second).String() + " ago"
		}
		will := "-"
		if fireAt, ok := wills[record.ClientID]; ok {
			will = color.YellowString("fires in %s", fireAt.Sub(now).Truncate(time.Second))
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			record.ClientID, expiry, disconnected, len(record.Subscriptions), len(inflight), will)
	}
	return w.Flush()
}
