package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/yairfalse/jarru/approval"
)

var approveURLCmd = &cobra.Command{
	Use:   "approve-url <execution-id>",
	Short: "Mint a signed approval link for an execution",
	Long: `Sign a fresh approval link for a planned execution, for when the
original notification is lost or its link has expired. The link is
valid for the configured approval window from now.`,
	Example: `  jarru approve-url exec-1f0a3b2c-4d5e-6789-abcd-ef0123456789`,
	Args:    cobra.ExactArgs(1),
	RunE:    runApproveURL,
}

func init() {
	rootCmd.AddCommand(approveURLCmd)
}

func runApproveURL(cmd *cobra.Command, args []string) error {
	cfg, err := loadMergedConfig()
	if err != nil {
		return err
	}
	if cfg.Approval.Secret == "" {
		return fmt.Errorf("no approval secret configured (set approval.secret or APPROVAL_SECRET)")
	}

	signer, err := approval.NewSigner(cfg.Approval.Secret)
	if err != nil {
		return err
	}

	now := time.Now()
	link := signer.ApprovalURL(args[0], cfg.Approval.BaseURL, now)

	fmt.Println(link.URL)
	fmt.Printf("\nValid until %s\n", now.Add(cfg.Approval.Window()).UTC().Format("2006-01-02 15:04:05 MST"))
	return nil
}
