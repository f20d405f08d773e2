package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jlia0/tinyclaw/internal/config"
	"github.com/jlia0/tinyclaw/internal/queue"
)

func enqueueCmd() *cobra.Command {
	var (
		channel string
		sender  string
		agent   string
	)
	c := &cobra.Command{
		Use:   "enqueue <message>",
		Short: "Drop a message into the incoming queue",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			q := openQueueOrExit()
			msg := &queue.IncomingMessage{
				Channel:   channel,
				Sender:    sender,
				SenderID:  sender,
				Message:   args[0],
				Timestamp: time.Now().UnixMilli(),
				MessageID: uuid.NewString(),
				Agent:     agent,
			}
			if err := q.Enqueue(msg, ""); err != nil {
				fmt.Fprintf(os.Stderr, "enqueue failed: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("enqueued %s_%s.json\n", channel, msg.MessageID)
		},
	}
	c.Flags().StringVar(&channel, "channel", "cli", "channel tag for the message")
	c.Flags().StringVar(&sender, "sender", "cli", "sender name and ID")
	c.Flags().StringVar(&agent, "agent", "", "route directly to this agent, bypassing mention parsing")
	return c
}

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Move interrupted messages from processing/ back to incoming/",
		Run: func(cmd *cobra.Command, args []string) {
			q := openQueueOrExit()
			n, err := q.Recover()
			if err != nil {
				fmt.Fprintf(os.Stderr, "recover failed: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("recovered %d message(s)\n", n)
		},
	}
}

func openQueueOrExit() *queue.FileQueue {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot load settings: %s\n", err)
		os.Exit(1)
	}
	q, err := queue.Open(cfg.WorkspacePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot open queue: %s\n", err)
		os.Exit(1)
	}
	return q
}
