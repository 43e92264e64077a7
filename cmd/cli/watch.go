package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
)

func watchCmd() *cobra.Command {
	var interval int

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the contacted node's role transitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			c := api()
			ticker := time.NewTicker(time.Duration(interval) * time.Millisecond)
			defer ticker.Stop()

			var lastRole, lastErr string
			var lastEpoch int64
			for {
				reqCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
				info, err := c.Role(reqCtx)
				cancel()

				now := time.Now().Format(time.TimeOnly)
				switch {
				case err != nil:
					if err.Error() != lastErr {
						fmt.Printf("%s unreachable: %v\n", now, err)
						lastErr = err.Error()
					}
				case info.Role != lastRole || info.Epoch != lastEpoch:
					fmt.Printf("%s %s (epoch %d)\n", now, info.Role, info.Epoch)
					lastRole, lastEpoch, lastErr = info.Role, info.Epoch, ""
				}

				select {
				case <-ctx.Done():
					fmt.Println()
					return nil
				case <-ticker.C:
				}
			}
		},
	}

	cmd.Flags().IntVar(&interval, "interval", 1000, "Poll interval in milliseconds")
	return cmd
}
