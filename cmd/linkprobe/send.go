package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/linkmux"
)

func newSendCmd(g *globalFlags, logger *slog.Logger) *cobra.Command {
	var (
		target     string
		count      int
		body       string
		presettled bool
		noWait     bool
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send messages to a target",
		Long:  "Send --count messages to --target and print the outcome the peer reported for each.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("--count must be at least 1")
			}
			ctx := cmd.Context()

			client, closeAll, err := g.connect(ctx, logger)
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer closeAll()

			var opts []linkmux.SenderOption
			if presettled {
				opts = append(opts, linkmux.WithPresettled())
			}
			sender, err := client.NewSender(ctx, target, opts...)
			if err != nil {
				return fmt.Errorf("failed to attach sender: %w", err)
			}

			out := cmd.OutOrStdout()
			start := time.Now()
			accepted := 0
			for i := 1; i <= count; i++ {
				payload := []byte(fmt.Sprintf("%s #%d", body, i))

				if noWait {
					if err := sender.Send(ctx, payload); err != nil {
						return fmt.Errorf("send %d: %w", i, err)
					}
					fmt.Fprintf(out, "%d/%d sent\n", i, count)
					continue
				}

				outcome, err := sender.SendAndWait(ctx, payload)
				if err != nil && !errors.Is(err, linkmux.ErrRejected) {
					return fmt.Errorf("send %d: %w", i, err)
				}
				if outcome == linkmux.OutcomeAccepted {
					accepted++
				}
				fmt.Fprintf(out, "%d/%d %s\n", i, count, outcome)
			}

			elapsed := time.Since(start)
			if noWait {
				fmt.Fprintf(out, "sent %d messages in %v\n", count, elapsed.Round(time.Millisecond))
			} else {
				fmt.Fprintf(out, "%d of %d accepted in %v\n", accepted, count, elapsed.Round(time.Millisecond))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&target, "target", "t", "", "Target address")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of messages to send")
	cmd.Flags().StringVar(&body, "body", "linkprobe", "Message body prefix")
	cmd.Flags().BoolVar(&presettled, "presettled", false, "Send pre-settled")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Do not wait for each outcome")
	_ = cmd.MarkFlagRequired("target")

	return cmd
}
