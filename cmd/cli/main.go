package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"steward/pkg/client"
)

var (
	serverAddr string
	timeout    int
	secret     string
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "steward",
		Short: "steward - HA coordination engine CLI",
		Long:  `steward inspects and manages a coordination group: roles, epochs, members and quorum`,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "localhost:7600", "Admin address of any member")
	rootCmd.PersistentFlags().IntVar(&timeout, "timeout", 10, "Request timeout in seconds")
	rootCmd.PersistentFlags().StringVar(&secret, "secret", "", "Admin API secret")

	// Add subcommands
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(epochCmd())
	rootCmd.AddCommand(claimsCmd())
	rootCmd.AddCommand(leaderCmd())
	rootCmd.AddCommand(quorumCmd())
	rootCmd.AddCommand(nodeCmd())
	rootCmd.AddCommand(watchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func api() *client.Client {
	return client.New(serverAddr, &client.Options{
		Timeout: time.Duration(timeout) * time.Second,
		Secret:  secret,
	})
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
}
