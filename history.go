package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ayaz345/cauliflowervest/internal/journal"
)

func newHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent escrow operations from the local journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHistory(cmd, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of entries to show")

	return cmd
}

func runHistory(cmd *cobra.Command, limit int) error {
	logger := buildLogger()
	ctx := cmd.Context()

	if resolvedCfg.JournalPath == "" {
		return fmt.Errorf("no journal configured (set journal_path)")
	}

	j, err := journal.Open(ctx, resolvedCfg.JournalPath, logger)
	if err != nil {
		return err
	}
	defer j.Close()

	entries, err := j.List(ctx, limit)
	if err != nil {
		return err
	}

	if flagJSON {
		type jsonEntry struct {
			At        time.Time `json:"at"`
			Action    string    `json:"action"`
			Target    string    `json:"target"`
			Outcome   string    `json:"outcome"`
			ErrorKind string    `json:"error_kind,omitempty"`
		}

		out := make([]jsonEntry, 0, len(entries))
		for _, e := range entries {
			out = append(out, jsonEntry{At: e.At, Action: e.Action, Target: e.Target, Outcome: e.Outcome, ErrorKind: e.ErrorKind})
		}

		return json.NewEncoder(cmd.OutOrStdout()).Encode(out)
	}

	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No recorded operations.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tTARGET\tOUTCOME\tERROR")

	for _, e := range entries {
		errKind := e.ErrorKind
		if errKind == "" {
			errKind = "-"
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.At.Local().Format("2006-01-02 15:04:05"), e.Action, e.Target, e.Outcome, errKind)
	}

	return w.Flush()
}
