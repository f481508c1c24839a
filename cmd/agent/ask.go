package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"convoagent/internal/domain"
)

type askOptions struct {
	participant  string
	conversation string
	outDir       string
	stats        bool
	statsSince   time.Duration
}

func newAskCmd(root *rootOptions) *cobra.Command {
	opts := &askOptions{}
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer one question from the command line",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd.Context(), cmd.OutOrStdout(), root.configPath, strings.Join(args, " "), opts)
		},
	}
	cmd.Flags().StringVar(&opts.participant, "participant", "cli", "participant ID")
	cmd.Flags().StringVar(&opts.conversation, "conversation", "cli", "conversation ID")
	cmd.Flags().StringVar(&opts.outDir, "out", "", "directory to write attachments to")
	cmd.Flags().BoolVar(&opts.stats, "stats", false, "print the metrics summary after answering (sqlite sink only)")
	cmd.Flags().DurationVar(&opts.statsSince, "since", 24*time.Hour, "window for --stats")
	return cmd
}

func runAsk(ctx context.Context, w io.Writer, configPath, question string, opts *askOptions) error {
	cfg, log, cleanup, err := bootstrap(ctx, configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	resp, _ := a.handler.Handle(ctx, domain.InboundTurn{
		MessageID:      uuid.NewString(),
		ParticipantID:  opts.participant,
		ConversationID: opts.conversation,
		Text:           question,
	})
	printResponse(w, resp)

	if opts.outDir != "" {
		if err := saveAttachments(w, opts.outDir, resp.Attachments); err != nil {
			return err
		}
	}

	if opts.stats {
		if a.stats == nil {
			return fmt.Errorf("--stats requires metrics.sink: sqlite")
		}
		sum, err := a.stats.Summary(ctx, time.Now().Add(-opts.statsSince))
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "\nturns=%d tokens=%d in / %d out / %d total cost=$%.4f\n",
			sum.Turns, sum.InputTokens, sum.OutputTokens, sum.TotalTokens, sum.CostUSD)
		for name, ts := range sum.Tools {
			fmt.Fprintf(w, "  %-16s ok=%d failed=%d\n", name, ts.Success, ts.Failure)
		}
	}
	return nil
}

func printResponse(w io.Writer, resp *domain.FormattedResponse) {
	for _, seg := range resp.Segments {
		if seg.Title != "" {
			fmt.Fprintf(w, "== %s ==\n", seg.Title)
		}
		fmt.Fprintln(w, seg.Text)
		if seg.Footer != "" {
			fmt.Fprintf(w, "-- %s --\n", seg.Footer)
		}
		if seg.Metadata != "" {
			fmt.Fprintf(w, "[%s]\n", seg.Metadata)
		}
	}
	for _, att := range resp.Attachments {
		fmt.Fprintf(w, "(attachment %s, %d bytes)\n", att.Name, len(att.Data))
	}
	if resp.Truncated {
		fmt.Fprintln(w, "(reply truncated)")
	}
}

func saveAttachments(w io.Writer, dir string, attachments []domain.Attachment) error {
	if len(attachments) == 0 {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	for i, att := range attachments {
		if len(att.Data) == 0 {
			continue
		}
		name := fmt.Sprintf("%d-%s", i, filepath.Base(att.Name))
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, att.Data, 0o644); err != nil {
			return fmt.Errorf("write attachment: %w", err)
		}
		fmt.Fprintf(w, "saved %s\n", path)
	}
	return nil
}
