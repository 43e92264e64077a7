package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"steward/pkg/client"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the contacted node's view of the group",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()

			st, err := api().Status(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("Node: %s\n", st.NodeID)
			fmt.Printf("Role: %s\n", st.Role)
			fmt.Printf("Epoch: %d\n", st.Epoch)
			if st.Leader != nil {
				local := ""
				if st.Leader.Local {
					local = " (this node)"
				}
				fmt.Printf("Leader: %s at %s%s\n", st.Leader.ID, st.Leader.Address, local)
			} else {
				fmt.Println("Leader: none")
			}
			fmt.Printf("Members: %d\n", st.Members)
			fmt.Printf("Quorum: %d effective (minimum %d, %d unstable)\n",
				st.Quorum.EffectiveQuorum, st.Quorum.ConfiguredMinimum, st.Quorum.UnstableCount)
			fmt.Printf("Log: applied %d of %d committed\n", st.AppliedIndex, st.CommitIndex)

			return nil
		},
	}
}

func roleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "role",
		Short: "Show the contacted node's role and epoch",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()

			info, err := api().Role(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("%s (epoch %d)\n", info.Role, info.Epoch)
			return nil
		},
	}
}

func epochCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "epoch",
		Short: "Show the standing leadership epoch",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()

			epoch, err := api().Epoch(ctx)
			if err != nil {
				return err
			}

			fmt.Println(epoch)
			return nil
		},
	}
}

func claimsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "claims",
		Short: "Show recent epoch claims, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()

			claims, err := api().Claims(ctx, limit)
			if err != nil {
				return err
			}

			if len(claims) == 0 {
				fmt.Println("No epoch has been claimed yet")
				return nil
			}
			for _, c := range claims {
				at := time.UnixMilli(c.ClaimedAt).Format(time.RFC3339)
				fmt.Printf("epoch %d claimed by %s at %s\n", c.Epoch, c.NodeID, at)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 32, "Maximum claims to show")
	return cmd
}

func leaderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "leader",
		Short: "Show the current leader",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()

			leader, err := api().CurrentLeader(ctx)
			if err != nil {
				if client.IsNotFound(err) {
					fmt.Println("No leader elected")
					return nil
				}
				return err
			}

			fmt.Printf("Leader: %s (%s)\n", leader.ID, leader.Address)
			return nil
		},
	}
}

func quorumCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quorum",
		Short: "Show the quorum arithmetic",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()

			q, err := api().QuorumStatus(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("Configured minimum: %d\n", q.ConfiguredMinimum)
			fmt.Printf("Unstable members: %d\n", q.UnstableCount)
			fmt.Printf("Effective quorum: %d\n", q.EffectiveQuorum)
			if q.OverrideActive {
				fmt.Printf("Override: %d (active until all members stabilize)\n", q.Override)
			} else {
				fmt.Println("Override: none")
			}
			return nil
		},
	}
}
