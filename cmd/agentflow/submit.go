package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/joelkehle/agentflow/internal/client"
)

func defaultServerURL() string {
	if v := os.Getenv("AGENTFLOW_URL"); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func submitCmd() *cobra.Command {
	var (
		server string
		file   string
		follow time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a raw message from a file or stdin",
		Example: `  agentflow submit --file message.txt
  cat message.txt | agentflow submit --follow 5s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				blob []byte
				err  error
			)
			if file == "" || file == "-" {
				blob, err = io.ReadAll(cmd.InOrStdin())
			} else {
				blob, err = os.ReadFile(file)
			}
			if err != nil {
				return fmt.Errorf("read message: %w", err)
			}

			ctx := cmd.Context()
			c := client.NewClient(server)
			var cursor int64
			if follow > 0 {
				if _, cursor, err = c.Activity(ctx, 0, 0); err != nil {
					return err
				}
			}

			id, depth, err := c.Submit(ctx, string(blob))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "queued %s (queue depth %d)\n", id, depth)
			if follow <= 0 {
				return nil
			}
			return followActivity(ctx, c, cursor, follow, out)
		},
	}
	cmd.Flags().StringVar(&server, "server", defaultServerURL(), "agentflow base URL")
	cmd.Flags().StringVarP(&file, "file", "f", "", "message file (default: stdin)")
	cmd.Flags().DurationVar(&follow, "follow", 0, "print processing activity for this long after submitting")
	return cmd
}

func followActivity(ctx context.Context, c *client.Client, cursor int64, d time.Duration, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	for ctx.Err() == nil {
		records, next, err := c.Activity(ctx, cursor, 1)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, rec := range records {
			fmt.Fprintf(out, "%s %-5s %-22s %s\n", rec.Time.Local().Format("15:04:05"), rec.Level, rec.Title, rec.Description)
		}
		cursor = next
	}
	return nil
}
