package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.etcd.io/bbolt"

	"github.com/jmcleod/latchkey/storage"
	bboltstorage "github.com/jmcleod/latchkey/storage/bbolt"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Issuance ledger inspection tools",
	Long:  `Commands for inspecting the issuance ledger kept in the data directory.`,
}

type ledgerSummary struct {
	DeviceID string                    `json:"device_id"`
	Total    int                       `json:"total"`
	Outcomes map[storage.Outcome]int   `json:"outcomes"`
	ByStage  map[string]int            `json:"failed_by_stage,omitempty"`
	Newest   *time.Time                `json:"newest,omitempty"`
	Records  []*storage.IssuanceRecord `json:"records"`
}

func summarizeLedger(deviceID string, recs []*storage.IssuanceRecord) ledgerSummary {
	s := ledgerSummary{
		DeviceID: deviceID,
		Total:    len(recs),
		Outcomes: make(map[storage.Outcome]int),
		ByStage:  make(map[string]int),
		Records:  recs,
	}
	for _, rec := range recs {
		s.Outcomes[rec.Outcome]++
		if rec.FailedStage != "" {
			s.ByStage[rec.FailedStage]++
		}
	}
	if len(recs) > 0 {
		newest := recs[0].CreatedAt
		s.Newest = &newest
	}
	return s
}

func writeLedgerTable(w io.Writer, s ledgerSummary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tOUTCOME\tSTAGE\tKIND\tTICKET\tPASSWORD")
	for _, rec := range s.Records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.Outcome,
			dash(rec.FailedStage),
			dash(rec.ErrorKind),
			dash(rec.TicketID),
			dash(rec.PasswordID),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d records: %d issued, %d failed, %d throttled\n",
		s.Total, s.Outcomes[storage.OutcomeIssued], s.Outcomes[storage.OutcomeFailed], s.Outcomes[storage.OutcomeThrottled])
	return err
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List issuance attempts for a device",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, map[string]string{"server.data_dir": "data-dir"})
		if err != nil {
			return err
		}
		deviceID, _ := cmd.Flags().GetString("device")
		asJSON, _ := cmd.Flags().GetBool("json")

		// Read-only with a short lock timeout so a running server is not disturbed.
		store, err := bboltstorage.NewRepositoryFromFile(
			filepath.Join(cfg.Server.DataDir, ledgerFile),
			&bbolt.Options{ReadOnly: true, Timeout: time.Second},
		)
		if err != nil {
			return fmt.Errorf("failed to open issuance ledger: %w", err)
		}
		defer store.Close()

		recs, err := store.List(deviceID)
		if err != nil {
			return err
		}
		summary := summarizeLedger(deviceID, recs)
		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		}
		return writeLedgerTable(cmd.OutOrStdout(), summary)
	},
}

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerListCmd)
	ledgerListCmd.Flags().String("device", "", "Device ID to list")
	ledgerListCmd.Flags().String("data-dir", "", "Directory holding the issuance ledger")
	ledgerListCmd.Flags().Bool("json", false, "Print the summary as JSON")
	_ = ledgerListCmd.MarkFlagRequired("device")
}
