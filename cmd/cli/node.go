package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"steward/pkg/client"
)

func nodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Member management",
		Long:  "Register, inspect and manage group members",
	}

	cmd.AddCommand(nodeListCmd())
	cmd.AddCommand(nodeGetCmd())
	cmd.AddCommand(nodeAddCmd())
	cmd.AddCommand(nodeRemoveCmd())
	cmd.AddCommand(nodeStabilizeCmd())
	cmd.AddCommand(nodeDestabilizeCmd())
	cmd.AddCommand(nodeSetAddressCmd())

	return cmd
}

func printNode(n client.Node) {
	marks := ""
	if n.Leader {
		marks = " (leader)"
	}
	voter := "nonvoter"
	if n.Voter {
		voter = "voter"
	}
	fmt.Printf("%s - %s:%d - %s/%s - %s%s\n",
		n.ID, n.Host, n.Port, n.Class, n.Stability, voter, marks)
}

func nodeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all members",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()

			nodes, err := api().Nodes(ctx)
			if err != nil {
				return err
			}

			if len(nodes) == 0 {
				fmt.Println("No members registered")
				return nil
			}
			for _, n := range nodes {
				printNode(n)
			}
			return nil
		},
	}
}

func nodeGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()

			n, err := api().Node(ctx, args[0])
			if err != nil {
				return err
			}

			printNode(n)
			fmt.Printf("Applied index: %d\n", n.AppliedIndex)
			fmt.Printf("Last heartbeat: %d\n", n.LastHeartbeat)
			return nil
		},
	}
}

func nodeAddCmd() *cobra.Command {
	var class string

	cmd := &cobra.Command{
		Use:   "add <id> <host> <port>",
		Short: "Register a member",
		Long:  "Register a member with the leader; it joins as JOINING and is promoted once caught up",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid port %q", args[2])
			}

			ctx, cancel := commandContext()
			defer cancel()

			err = api().AddNode(ctx, client.AddNodeRequest{
				ID:    args[0],
				Host:  args[1],
				Port:  port,
				Class: class,
			})
			if err != nil {
				return err
			}

			fmt.Printf("Added %s at %s:%d\n", args[0], args[1], port)
			return nil
		},
	}

	cmd.Flags().StringVar(&class, "class", "ELECTABLE", "Membership class: ELECTABLE or OBSERVER")
	return cmd
}

func nodeRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()

			if err := api().RemoveNode(ctx, args[0]); err != nil {
				return err
			}

			fmt.Printf("Removed %s\n", args[0])
			return nil
		},
	}
}

func nodeStabilizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stabilize <id>",
		Short: "Mark a member as caught up",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one node id")
			}

			ctx, cancel := commandContext()
			defer cancel()

			if err := api().Stabilize(ctx, args[0]); err != nil {
				return err
			}

			fmt.Printf("Marked %s stable\n", args[0])
			return nil
		},
	}
}

func nodeDestabilizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "destabilize <id>",
		Short: "Mark a member as not caught up",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one node id")
			}

			ctx, cancel := commandContext()
			defer cancel()

			if err := api().Destabilize(ctx, args[0]); err != nil {
				return err
			}

			fmt.Printf("Marked %s unstable, quorum requirement raised\n", args[0])
			return nil
		},
	}
}

func nodeSetAddressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-address <id> <host> <port>",
		Short: "Move a member to a new address",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid port %q", args[2])
			}

			ctx, cancel := commandContext()
			defer cancel()

			if err := api().SetAddress(ctx, args[0], args[1], port); err != nil {
				return err
			}

			fmt.Printf("Moved %s to %s:%d\n", args[0], args[1], port)
			return nil
		},
	}
}
