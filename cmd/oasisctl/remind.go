package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/david/opportunity-oasis/internal/notify"
	"github.com/david/opportunity-oasis/internal/reminder"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(remindCmd)
}

var remindCmd = &cobra.Command{
	Use:   "remind",
	Short: "Send deadline reminders now",
	Long: `Run the reminder job once, exactly as the cron endpoint does, and print
how many opportunities were found for each offset.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := newEnv(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		loc, err := e.cfg.Location()
		if err != nil {
			return err
		}
		pool, store, err := e.connect()
		if err != nil {
			return err
		}
		defer pool.Close()

		composer, err := notify.NewComposer(e.cfg.App.BaseURL)
		if err != nil {
			return err
		}
		sink := notify.NewSink(e.cfg, e.logger)
		result, err := reminder.NewScheduler(store, sink, composer, e.cfg.Reminder.OffsetDays, loc, e.logger).Run(e.ctx)
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Offset", "Date", "Found", "Failed", "Error"})
		for _, p := range result.Processed {
			t.AppendRow(table.Row{fmt.Sprintf("%dd", p.OffsetDays), p.Date, p.Count, p.Failed, p.Error})
		}
		t.Render()
		fmt.Fprintf(cmd.OutOrStdout(), "run %s\n", result.RunID)
		return nil
	},
}

var triggerURL string

func init() {
	triggerCmd.Flags().StringVar(&triggerURL, "server", "http://localhost:8081", "base URL of a running server")
	rootCmd.AddCommand(triggerCmd)
}

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Ask a running server to send reminders",
	Long: `Call POST /api/cron/reminders on a running server with CRON_SECRET as the
bearer token, the way an external scheduler would.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := newEnv(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		secret := strings.TrimSpace(e.cfg.Auth.CronSecret)
		if secret == "" {
			return fmt.Errorf("CRON_SECRET is not set")
		}
		req, err := http.NewRequestWithContext(e.ctx, http.MethodPost, strings.TrimRight(triggerURL, "/")+"/api/cron/reminders", nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+secret)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("send request: %w", err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s\n", resp.Status, body)
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("server answered %s", resp.Status)
		}
		return nil
	},
}
