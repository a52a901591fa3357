package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/joelkehle/agentflow/internal/mockagent"
)

func mockAgentsCmd() *cobra.Command {
	var (
		host  string
		ports []int
	)
	cmd := &cobra.Command{
		Use:   "mock-agents",
		Short: "Listen on TCP ports and log every envelope delivered to them",
		Long:  "Listen on TCP ports and log every envelope delivered to them. On shutdown the last envelope received on each port is printed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			srv := mockagent.New(host, slog.Default())
			if err := srv.Listen(ports); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			err := srv.Serve(ctx)
			printReceived(cmd.OutOrStdout(), srv.All())
			return err
		},
	}
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "interface to bind")
	cmd.Flags().IntSliceVar(&ports, "ports", []int{5000, 5001, 5002}, "ports to listen on")
	return cmd
}

func printReceived(w io.Writer, received []mockagent.Received) {
	if len(received) == 0 {
		fmt.Fprintln(w, "no messages received")
		return
	}
	for _, r := range received {
		body := r.Raw
		if body == "" {
			blob, err := json.Marshal(r.Envelope)
			if err != nil {
				body = err.Error()
			} else {
				body = string(blob)
			}
		}
		fmt.Fprintf(w, "port %d: %d received, last at %s: %s\n", r.Port, r.Count, r.ReceivedAt.Format("2006-01-02T15:04:05Z07:00"), body)
	}
}
