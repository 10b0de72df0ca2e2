package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-offline/internal/integrity"
	"github.com/stemsi/exstem-offline/internal/model"
	"github.com/stemsi/exstem-offline/internal/validator"
)

// analysis is the review output for one set of time logs.
type analysis struct {
	integrity.FullReport
	Manipulation integrity.Manipulation `json:"manipulation"`
	Invalid      map[string]string      `json:"invalid,omitempty"`
}

func newAnalyzeCmd(a *app) *cobra.Command {
	var in string
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Review time logs for suspicious activity",
		Long: `Analyze reads time logs, either a bare JSON array or a decrypted
submission with a "timeLogs" field, and prints the anti-cheat report and the
clock manipulation verdict as JSON.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logs, err := readTimeLogs(in)
			if err != nil {
				return err
			}

			out := analysis{
				FullReport:   integrity.GenerateReport(logs),
				Manipulation: integrity.DetectTimeManipulation(logTimestamps(logs)),
			}
			for i := range logs {
				if err := validator.Struct(&logs[i]); err != nil {
					if out.Invalid == nil {
						out.Invalid = map[string]string{}
					}
					for field, msg := range validator.TranslateErrors(err) {
						out.Invalid[fmt.Sprintf("%d.%s", i, field)] = msg
					}
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVarP(&in, "in", "i", "", "JSON file with time logs")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

func readTimeLogs(path string) ([]model.TimeLog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var logs []model.TimeLog
	if err := json.Unmarshal(raw, &logs); err == nil {
		return logs, nil
	}
	var sub model.Submission
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("parse %s: expected a time log array or a submission", path)
	}
	return sub.TimeLogs, nil
}

// logTimestamps flattens entries and exits in recorded order.
func logTimestamps(logs []model.TimeLog) []float64 {
	ts := make([]float64, 0, 2*len(logs))
	for _, l := range logs {
		ts = append(ts, l.Entry)
		if l.Exit != nil {
			ts = append(ts, *l.Exit)
		}
	}
	return ts
}
