package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"invoicewatch/internal/reports"
	"invoicewatch/internal/store"
)

func statsCmd(configPath *string) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show outcome journal statistics and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("db") {
				cfg.DBPath = dbPath
			}

			journal, err := store.NewSQLiteJournal(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			defer journal.Close()

			stats, err := journal.GetStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("get stats: %w", err)
			}
			printStats(stats)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "invoicewatch.db", "SQLite outcome journal path")
	return cmd
}

func reportCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Write one review report of failed and timed out invoices from the last interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			journal, err := store.NewSQLiteJournal(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			defer journal.Close()

			st, err := newReportStorage(cfg.Reports)
			if err != nil {
				return err
			}

			name, err := reports.NewReporter(journal, st, cfg.Reports.Interval).RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			if name == "" {
				fmt.Println("nothing to report")
				return nil
			}
			fmt.Println(name)
			return nil
		},
	}
	cmd.AddCommand(reportShowCmd(configPath))
	return cmd
}

func reportShowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Print a stored review report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			st, err := newReportStorage(cfg.Reports)
			if err != nil {
				return err
			}

			rc, err := st.Load(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("load %s: %w", args[0], err)
			}
			defer rc.Close()
			_, err = io.Copy(cmd.OutOrStdout(), rc)
			return err
		},
	}
}

// formatSats groups digits in thousands, e.g. 1 234 567 sats.
func formatSats(sats int64) string {
	s := strconv.FormatInt(sats, 10)
	neg := sats < 0
	if neg {
		s = s[1:]
	}
	var out []byte
	for i := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ' ')
		}
		out = append(out, s[i])
	}
	if neg {
		return "-" + string(out) + " sats"
	}
	return string(out) + " sats"
}

func printStats(stats *store.Stats) {
	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║         InvoiceWatch Statistics          ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Resolved:        %-22d║\n", stats.Total)
	fmt.Printf("║  ├─ Paid:         %-22d║\n", stats.Paid)
	fmt.Printf("║  ├─ Failed:       %-22d║\n", stats.Failed)
	fmt.Printf("║  ├─ Timeout:      %-22d║\n", stats.Timeout)
	fmt.Printf("║  └─ Expired:      %-22d║\n", stats.Expired)
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Credited:        %-22s║\n", formatSats(stats.CreditedSats))
	fmt.Printf("║  Defect matches:  %-22d║\n", stats.DefectMatches)
	fmt.Println("╠══════════════════════════════════════════╣")
	if !stats.OldestResolved.IsZero() {
		fmt.Printf("║  Oldest:          %-22s║\n", stats.OldestResolved.Format("2006-01-02 15:04"))
		fmt.Printf("║  Newest:          %-22s║\n", stats.NewestResolved.Format("2006-01-02 15:04"))
	} else {
		fmt.Println("║  No outcomes in journal                  ║")
	}
	if len(stats.DailyStats) > 0 {
		fmt.Println("╠══════════════════════════════════════════╣")
		fmt.Println("║  Paid Invoices (last 14 days)            ║")
		fmt.Println("║  ──────────────────────────────────────  ║")
		for _, ds := range stats.DailyStats {
			fmt.Printf("║  %s: %4d paid %16s  ║\n", ds.Date, ds.Paid, formatSats(ds.Credited))
		}
	}
	fmt.Println("╚══════════════════════════════════════════╝")
}
