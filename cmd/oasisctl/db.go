package main

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/david/opportunity-oasis/internal/db"
	"github.com/david/opportunity-oasis/internal/models"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var upcomingDays int

func init() {
	upcomingCmd.Flags().IntVar(&upcomingDays, "days", 14, "how many days ahead to look")
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(upcomingCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := newEnv(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		pool, _, err := e.connect()
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := db.ApplyMigrations(e.ctx, pool, e.logger); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "migrations up to date")
		return nil
	},
}

var upcomingCmd = &cobra.Command{
	Use:   "upcoming",
	Short: "List opportunities whose deadline falls in the next days",
	Long: `List opportunities with a deadline between today and today+N days,
using the configured APP_TIMEZONE for "today".

Examples:
  oasisctl upcoming
  oasisctl upcoming --days 30`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if upcomingDays < 0 {
			return fmt.Errorf("--days must not be negative")
		}
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

		today := time.Now().In(loc)
		from := today.Format(models.DateLayout)
		to := today.AddDate(0, 0, upcomingDays).Format(models.DateLayout)
		opps, err := store.DueBetween(e.ctx, from, to)
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.SetStyle(table.StyleLight)
		t.AppendHeader(table.Row{"ID", "Name", "Deadline", "Days Left", "Type"})
		start, _ := time.ParseInLocation(models.DateLayout, from, loc)
		for _, o := range opps {
			left := "-"
			if d, err := time.ParseInLocation(models.DateLayout, *o.Deadline, loc); err == nil {
				left = fmt.Sprint(int(math.Round(d.Sub(start).Hours() / 24)))
			}
			t.AppendRow(table.Row{o.ID, truncateName(o.Name, 48), *o.Deadline, left, o.DocumentType})
		}
		t.AppendFooter(table.Row{"", fmt.Sprintf("%d due %s..%s", len(opps), from, to)})
		t.Render()
		return nil
	},
}

func truncateName(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
