package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/linkmux"
)

type settleAction string

const (
	settleComplete   settleAction = "complete"
	settleAbandon    settleAction = "abandon"
	settleDeadLetter settleAction = "deadletter"
	settleDefer      settleAction = "defer"
)

func (a settleAction) apply(ctx context.Context, r *linkmux.Receiver, m *linkmux.Message) error {
	switch a {
	case settleComplete:
		return r.Complete(ctx, m)
	case settleAbandon:
		return r.Abandon(ctx, m)
	case settleDeadLetter:
		return r.DeadLetter(ctx, m, "linkprobe", "dead-lettered by linkprobe")
	case settleDefer:
		return r.Defer(ctx, m)
	default:
		return fmt.Errorf("unknown settle action %q", a)
	}
}

func newReceiveCmd(g *globalFlags, logger *slog.Logger) *cobra.Command {
	var (
		source  string
		count   int
		mode    string
		settle  string
		credit  uint32
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Receive messages from a source",
		Long: `Receive --count messages from --source and print them. In peeklock mode each
message is settled with --settle. A --count of 0 receives until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			receiveMode, err := linkmux.ParseReceiveMode(mode)
			if err != nil {
				return err
			}
			action := settleAction(settle)
			switch action {
			case settleComplete, settleAbandon, settleDeadLetter, settleDefer:
			default:
				return fmt.Errorf("unknown --settle %q", settle)
			}
			ctx := cmd.Context()

			client, closeAll, err := g.connect(ctx, logger)
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer closeAll()

			opts := []linkmux.ReceiverOption{linkmux.WithReceiveMode(receiveMode)}
			if credit > 0 {
				opts = append(opts, linkmux.WithCredit(credit))
			}
			receiver, err := client.NewReceiver(ctx, source, opts...)
			if err != nil {
				return fmt.Errorf("failed to attach receiver: %w", err)
			}

			out := cmd.OutOrStdout()
			received := 0
			for count == 0 || received < count {
				batch := 1
				if count > 0 {
					batch = count - received
				}
				waitCtx, cancel := ctx, context.CancelFunc(func() {})
				if timeout > 0 {
					waitCtx, cancel = context.WithTimeout(ctx, timeout)
				}
				messages, err := receiver.ReceiveMessages(waitCtx, batch, 0)
				cancel()

				for _, m := range messages {
					received++
					fmt.Fprintf(out, "%d delivery-count=%d %s\n", received, m.DeliveryCount, m.Body)
					if receiveMode == linkmux.PeekLock {
						if err := action.apply(ctx, receiver, m); err != nil {
							return fmt.Errorf("settle message %d: %w", received, err)
						}
					}
				}

				switch {
				case err == nil:
				case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
					fmt.Fprintf(out, "no message within %v\n", timeout)
					return nil
				case ctx.Err() != nil:
					fmt.Fprintf(out, "interrupted after %d messages\n", received)
					return nil
				default:
					return fmt.Errorf("receive: %w", err)
				}
			}

			fmt.Fprintf(out, "received %d messages\n", received)
			return nil
		},
	}

	cmd.Flags().StringVarP(&source, "source", "s", "", "Source address")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of messages to receive, 0 for no limit")
	cmd.Flags().StringVarP(&mode, "mode", "m", "peeklock", "Receive mode: peeklock or receiveanddelete")
	cmd.Flags().StringVar(&settle, "settle", string(settleComplete), "Settlement in peeklock mode: complete, abandon, deadletter or defer")
	cmd.Flags().Uint32Var(&credit, "credit", 0, "Link credit, defaults to the configured credit")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up when no message arrives within this time")
	_ = cmd.MarkFlagRequired("source")

	return cmd
}
