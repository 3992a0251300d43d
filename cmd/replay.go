// Package cmd holds the auxiliary subcommands of household-autoconfirm.
package cmd

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/household-autoconfirm/classify"
	"github.com/dhcgn/household-autoconfirm/decode"
	"github.com/dhcgn/household-autoconfirm/extract"
	"github.com/dhcgn/household-autoconfirm/mbox"
	"github.com/dhcgn/household-autoconfirm/model"
)

// ReplayOptions selects how saved messages are classified.
type ReplayOptions struct {
	ActionableSubject   string
	ConfirmationSubject string
	LinkPrefix          string
}

// ReplayRow is the verdict for one archived message.
type ReplayRow struct {
	ID             uint32
	Subject        string
	Classification classify.Classification
	Link           string
	Err            error
}

// ReplaySummary counts the verdicts of a replay.
type ReplaySummary struct {
	Total        int
	Actionable   int
	Confirmation int
	Irrelevant   int
	MissingLink  int
	Errors       int
}

// Source streams archived messages, as mbox.Reader does.
type Source interface {
	Stream(ctx context.Context, out chan<- model.Envelope) error
}

// Replay classifies every message of src and extracts links from the
// actionable ones without touching a mailbox or a browser.
func Replay(ctx context.Context, src Source, opts ReplayOptions) ([]ReplayRow, ReplaySummary, error) {
	extractor := extract.New(opts.LinkPrefix)

	envelopes := make(chan model.Envelope, 16)
	done := make(chan error, 1)
	go func() {
		done <- src.Stream(ctx, envelopes)
		close(envelopes)
	}()

	var (
		rows    []ReplayRow
		summary ReplaySummary
	)
	for env := range envelopes {
		summary.Total++
		if env.Err != nil {
			summary.Errors++
			rows = append(rows, ReplayRow{ID: env.Message.ID, Err: env.Err})
			continue
		}

		decoded := decode.Decode(env.Message)
		row := ReplayRow{
			ID:             env.Message.ID,
			Subject:        decoded.Subject,
			Classification: classify.Classify(decoded.Subject, opts.ActionableSubject, opts.ConfirmationSubject),
		}

		switch row.Classification {
		case classify.Actionable:
			summary.Actionable++
			if link, ok := extractor.Link(decoded.Body); ok {
				row.Link = link
			} else {
				summary.MissingLink++
			}
		case classify.ConfirmationOnly:
			summary.Confirmation++
		default:
			summary.Irrelevant++
		}
		rows = append(rows, row)
	}

	if err := <-done; err != nil {
		return rows, summary, fmt.Errorf("read mbox: %w", err)
	}
	return rows, summary, nil
}

// NewReplayCommand returns the replay subcommand.
func NewReplayCommand() *cobra.Command {
	var (
		opts      ReplayOptions
		reportDir string
	)

	replayCmd := &cobra.Command{
		Use:   "replay [mbox file]",
		Short: "Classify saved notification emails and show the links that would be confirmed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reader, err := mbox.NewReader(args[0], slog.Default())
			if err != nil {
				return err
			}

			pterm.Info.Printf("Replaying %s\n", args[0])

			rows, summary, err := Replay(cmd.Context(), reader, opts)
			if err != nil {
				return err
			}

			if err := printRows(rows); err != nil {
				return err
			}
			pterm.Info.Printf("%d messages: %d actionable (%d without link), %d confirmations, %d irrelevant, %d unreadable\n",
				summary.Total, summary.Actionable, summary.MissingLink, summary.Confirmation, summary.Irrelevant, summary.Errors)

			if reportDir == "" {
				return nil
			}
			path, err := saveCSVReport(rows, reportDir)
			if err != nil {
				return fmt.Errorf("save report: %w", err)
			}
			pterm.Success.Printf("Report saved to %s\n", path)
			return nil
		},
	}

	replayCmd.Flags().StringVar(&opts.ActionableSubject, "actionable-subject", "", "Subject substring of emails that carry a confirmation link (empty matches every subject)")
	replayCmd.Flags().StringVar(&opts.ConfirmationSubject, "confirmation-subject", "", "Subject substring of emails that only confirm a completed update")
	replayCmd.Flags().StringVar(&opts.LinkPrefix, "link-prefix", extract.LinkPrefix, "Prefix of the confirmation link")
	replayCmd.Flags().StringVarP(&reportDir, "output", "o", "", "Directory for a CSV report (disabled when empty)")
	return replayCmd
}

func printRows(rows []ReplayRow) error {
	data := pterm.TableData{{"ID", "Classification", "Subject", "Link"}}
	for _, row := range rows {
		verdict := row.Classification.String()
		if row.Err != nil {
			verdict = "error: " + row.Err.Error()
		}
		data = append(data, []string{strconv.FormatUint(uint64(row.ID), 10), verdict, row.Subject, row.Link})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func saveCSVReport(rows []ReplayRow, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	path := filepath.Join(dir, "replay_report.csv")
	file, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"ID", "Classification", "Subject", "Link", "Error"}); err != nil {
		return "", err
	}
	for _, row := range rows {
		errText := ""
		if row.Err != nil {
			errText = row.Err.Error()
		}
		record := []string{strconv.FormatUint(uint64(row.ID), 10), row.Classification.String(), row.Subject, row.Link, errText}
		if err := writer.Write(record); err != nil {
			return "", err
		}
	}

	writer.Flush()
	return path, writer.Error()
}
