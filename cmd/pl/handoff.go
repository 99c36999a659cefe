package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"planline/internal/app"
	"planline/internal/engine"
	"planline/internal/handoff"
)

func handoffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handoff",
		Short: "Send, acknowledge and read agent messages",
		Long:  "Messages must be acknowledged within handoff.ack_timeout (30s by default). Unacknowledged messages are resent once and then escalated to handoff.supervisor.",
	}
	cmd.AddCommand(handoffSendCmd())
	cmd.AddCommand(handoffAckCmd())
	cmd.AddCommand(handoffInboxCmd())
	return cmd
}

func handoffSendCmd() *cobra.Command {
	var from, to, subject, priority, kind, payload, blockedOp string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message and wait for its acknowledgment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if from == "" {
					from = rt.Config.Handoff.Sender
				}
				msg := handoff.Message{
					From:     from,
					To:       to,
					Subject:  subject,
					Priority: handoff.Priority(priority),
					Type:     handoff.Kind(kind),
				}
				if payload != "" {
					msg.Payload = json.RawMessage(payload)
				}
				proto, err := rt.Protocol()
				if err != nil {
					return err
				}
				res, err := proto.Deliver(ctx, msg, blockedOp)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s acknowledged %q (attempts: %d)\n", to, subject, res.Attempts)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "sending agent (defaults to handoff.sender)")
	cmd.Flags().StringVar(&to, "to", "", "receiving agent")
	cmd.Flags().StringVar(&subject, "subject", "", "subject; the acknowledgment must carry the same subject")
	cmd.Flags().StringVar(&priority, "priority", "normal", "priority (normal, high, urgent)")
	cmd.Flags().StringVar(&kind, "type", "notification", "type (notification, request, response, status)")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	cmd.Flags().StringVar(&blockedOp, "blocked-op", "handoff", "operation reported as blocked on escalation")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func handoffAckCmd() *cobra.Command {
	var agent, to, subject string
	cmd := &cobra.Command{
		Use:   "ack",
		Short: "Acknowledge a received message",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				tr, err := rt.Transport()
				if err != nil {
					return err
				}
				ack := handoff.AckFor(handoff.Message{From: to, To: agent, Subject: subject}, time.Now().UTC())
				if err := tr.Send(ctx, ack); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ack)
				}
				fmt.Printf("Acknowledged %q to %s\n", subject, to)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "acknowledging agent (the original recipient)")
	cmd.Flags().StringVar(&to, "to", "", "original sender")
	cmd.Flags().StringVar(&subject, "subject", "", "subject of the message being acknowledged")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func handoffInboxCmd() *cobra.Command {
	var unread, markRead, follow, autoAck bool
	var limit int
	cmd := &cobra.Command{
		Use:   "inbox <agent>",
		Short: "List messages for an agent",
		Long:  "Without --follow, lists the workspace mailbox. With --follow, streams new messages from the configured transport until interrupted; --ack acknowledges each one.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent := args[0]
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if follow {
					return followInbox(ctx, rt, agent, autoAck)
				}
				rows, err := rt.Repo.Inbox(ctx, agent, unread, limit)
				if err != nil {
					return err
				}
				msgs := make([]handoff.Message, 0, len(rows))
				ids := make([]int64, 0, len(rows))
				for _, row := range rows {
					m, err := handoff.FromMailbox(row)
					if err != nil {
						rt.Logger.Warn("skipping malformed mailbox row", zap.Int64("id", row.ID), zap.Error(err))
						continue
					}
					msgs = append(msgs, m)
					ids = append(ids, row.ID)
				}
				if markRead && len(ids) > 0 {
					if err := rt.Repo.MarkRead(ctx, ids, time.Now().UTC().Format(time.RFC3339)); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(msgs)
				}
				printMessages(msgs)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&unread, "unread", false, "only unread messages")
	cmd.Flags().BoolVar(&markRead, "mark-read", false, "mark listed messages read")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum messages")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream new messages")
	cmd.Flags().BoolVar(&autoAck, "ack", false, "acknowledge streamed messages")
	return cmd
}

func followInbox(ctx context.Context, rt *app.Runtime, agent string, autoAck bool) error {
	tr, err := rt.Transport()
	if err != nil {
		return err
	}
	msgs, stop, err := tr.Inbox(ctx, agent)
	if err != nil {
		return err
	}
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			if viper.GetBool("json") {
				if err := printJSON(m); err != nil {
					return err
				}
			} else {
				fmt.Printf("%s  %-8s %-12s %s -> %s  %s\n", m.SentAt.Format(time.RFC3339), m.Priority, m.Type, m.From, m.To, m.Subject)
			}
			if autoAck && m.Type != handoff.Escalation {
				if err := tr.Send(ctx, handoff.AckFor(m, time.Now().UTC())); err != nil {
					return err
				}
			}
		}
	}
}

// notifyApproved delivers the "plan approved" handoff after approve-plan.
func notifyApproved(ctx context.Context, rt *app.Runtime, res engine.ApproveResult, agent string) (handoff.Result, error) {
	proto, err := rt.Protocol()
	if err != nil {
		return handoff.Result{}, err
	}
	msg, err := handoff.NewMessage(rt.Config.Handoff.Sender, agent, "plan approved: "+res.Plan.PlanID, map[string]any{
		"plan_id":        res.Plan.PlanID,
		"modules_total":  res.Orchestration.ModulesTotal,
		"created_issues": res.Created,
	})
	if err != nil {
		return handoff.Result{}, err
	}
	delivered, err := proto.Deliver(ctx, msg, "approve-plan")
	var timeout *handoff.AckTimeoutError
	if errors.As(err, &timeout) {
		return delivered, fmt.Errorf("plan %s is approved but %w", res.Plan.PlanID, err)
	}
	return delivered, err
}

func printMessages(msgs []handoff.Message) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Sent", "From", "Priority", "Type", "Retry", "Subject"})
	for _, m := range msgs {
		tw.AppendRow(table.Row{m.SentAt.Format(time.RFC3339), m.From, m.Priority, m.Type, m.Retry, m.Subject})
	}
	tw.Render()
}
