package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"metamorph/internal/approval"
	"metamorph/internal/selfmod"
	"metamorph/internal/types"
)

// withCoordinator runs fn inside a full boot/shutdown cycle so every
// command gets crash recovery before touching state and leaves a clean
// shutdown marker behind.
func withCoordinator(fn func(*selfmod.Coordinator) error) error {
	coord, err := newCoordinator()
	if err != nil {
		return err
	}
	if _, err := coord.Boot(); err != nil {
		return err
	}
	opErr := fn(coord)
	if err := coord.Shutdown(); err != nil && opErr == nil {
		opErr = err
	}
	return opErr
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func registerQueueCommands(root *cobra.Command) {
	var (
		codeFile    string
		targetFile  string
		risk        string
		explanation string
		diffUnified string
		valid       bool
		score       float64

		comment string
		reason  string
		limit   int
		status  string
		days    int
	)

	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a candidate change to the approval queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := os.ReadFile(codeFile)
			if err != nil {
				return fmt.Errorf("read code file: %w", err)
			}
			gen := types.GeneratedCode{
				FilePath:    targetFile,
				NewCode:     string(code),
				RiskLevel:   risk,
				DiffUnified: diffUnified,
				Explanation: explanation,
			}
			val := types.ValidationResult{Valid: valid, Score: score}
			return withCoordinator(func(c *selfmod.Coordinator) error {
				ch, err := c.Submit(gen, val)
				if err != nil {
					return err
				}
				printJSON(ch)
				return nil
			})
		},
	}
	submitCmd.Flags().StringVar(&targetFile, "file", "", "target file path (relative to project root)")
	submitCmd.Flags().StringVar(&codeFile, "code-file", "", "file containing the full replacement content")
	submitCmd.Flags().StringVar(&risk, "risk", types.RiskMedium, "generator risk level (low|medium|high|critical)")
	submitCmd.Flags().StringVar(&explanation, "explanation", "", "generator explanation")
	submitCmd.Flags().StringVar(&diffUnified, "diff", "", "unified diff for display")
	submitCmd.Flags().BoolVar(&valid, "valid", true, "validator verdict")
	submitCmd.Flags().Float64Var(&score, "score", 0, "validator score")
	_ = submitCmd.MarkFlagRequired("file")
	_ = submitCmd.MarkFlagRequired("code-file")

	approveCmd := &cobra.Command{
		Use:   "approve <change-id>",
		Short: "Approve a pending change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(func(c *selfmod.Coordinator) error {
				return c.Approve(types.ChangeID(args[0]), comment)
			})
		},
	}
	approveCmd.Flags().StringVar(&comment, "comment", "", "reviewer comment")

	rejectCmd := &cobra.Command{
		Use:   "reject <change-id>",
		Short: "Reject a pending change (reason required)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(func(c *selfmod.Coordinator) error {
				return c.Reject(types.ChangeID(args[0]), reason)
			})
		},
	}
	rejectCmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = rejectCmd.MarkFlagRequired("reason")

	applyCmd := &cobra.Command{
		Use:   "apply <change-id>",
		Short: "Apply an approved change to disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(func(c *selfmod.Coordinator) error {
				result, err := c.ApplyApproved(types.ChangeID(args[0]))
				if err != nil {
					return err
				}
				printJSON(result)
				if !result.Success {
					return fmt.Errorf("apply failed: %s", result.Error)
				}
				return nil
			})
		},
	}

	rollbackCmd := &cobra.Command{
		Use:   "rollback <change-id>",
		Short: "Roll back an applied change from its backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(func(c *selfmod.Coordinator) error {
				result, err := c.RollbackChange(types.ChangeID(args[0]))
				if err != nil {
					return err
				}
				printJSON(result)
				if !result.Success {
					return fmt.Errorf("rollback failed: %s", result.Message)
				}
				return nil
			})
		},
	}

	pendingCmd := &cobra.Command{
		Use:   "pending",
		Short: "List changes awaiting a decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(func(c *selfmod.Coordinator) error {
				printJSON(c.Queue().Pending())
				return nil
			})
		},
	}

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show decided changes, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(func(c *selfmod.Coordinator) error {
				printJSON(c.Queue().History(limit, approval.Status(status)))
				return nil
			})
		},
	}
	historyCmd.Flags().IntVar(&limit, "limit", 20, "max entries")
	historyCmd.Flags().StringVar(&status, "status", "", "filter by status")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(func(c *selfmod.Coordinator) error {
				printJSON(c.Queue().Statistics())
				return nil
			})
		},
	}

	appliedCmd := &cobra.Command{
		Use:   "applied",
		Short: "List applied-changes ledger entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(func(c *selfmod.Coordinator) error {
				printJSON(c.Applier().ListApplied(limit))
				return nil
			})
		},
	}
	appliedCmd.Flags().IntVar(&limit, "limit", 20, "max entries")

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old backups (live backups are never deleted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(func(c *selfmod.Coordinator) error {
				deleted, err := c.CleanupBackups(days)
				if err != nil {
					return err
				}
				fmt.Printf("deleted %d backup(s)\n", deleted)
				return nil
			})
		},
	}
	cleanupCmd.Flags().IntVar(&days, "days", 0, "retention in days (0 = configured default)")

	auditCmd := &cobra.Command{
		Use:   "audit [change-id]",
		Short: "Show the transition audit trail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(func(c *selfmod.Coordinator) error {
				if len(args) == 1 {
					events, err := c.Audit().ForChange(types.ChangeID(args[0]))
					if err != nil {
						return err
					}
					printJSON(events)
					return nil
				}
				events, err := c.Audit().Recent(limit)
				if err != nil {
					return err
				}
				printJSON(events)
				return nil
			})
		},
	}
	auditCmd.Flags().IntVar(&limit, "limit", 50, "max entries")

	root.AddCommand(submitCmd, approveCmd, rejectCmd, applyCmd, rollbackCmd,
		pendingCmd, historyCmd, statsCmd, appliedCmd, cleanupCmd, auditCmd)
}
