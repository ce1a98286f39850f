package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ciriscore/agentcore/internal/audit"
	"github.com/ciriscore/agentcore/internal/clock"
	"github.com/ciriscore/agentcore/internal/config"
	"github.com/ciriscore/agentcore/internal/storage"
)

var verifyAuditCmd = &cobra.Command{
	Use:   "verify-audit",
	Short: "Walk the audit hash chain and verify every entry",
	Long: `verify-audit recomputes each chain entry's hash, checks previous-hash
linkage, and verifies signatures against the recorded signing keys. The
command exits non-zero if the chain is broken or any entry is invalid.`,
	RunE: verifyAudit,
}

func init() {
	rootCmd.AddCommand(verifyAuditCmd)
}

func verifyAudit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	store, err := storage.OpenAudit(cfg.Database.AuditDB)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	chain := audit.NewChain(store.DB(), nil)
	report, err := chain.VerifyIntegrity(clock.New())
	if err != nil {
		return err
	}

	fmt.Printf("entries:  %d total, %d valid, %d invalid\n",
		report.TotalEntries, report.ValidEntries, report.InvalidEntries)
	fmt.Printf("chain:    intact=%v\n", report.ChainIntact)
	fmt.Printf("duration: %s\n", report.Duration)
	if report.FirstInvalidEntry != "" {
		fmt.Printf("first invalid entry: %s\n", report.FirstInvalidEntry)
	}
	for _, e := range report.Errors {
		fmt.Printf("error: %s\n", e)
	}

	if !report.Verified {
		return fmt.Errorf("audit chain verification failed")
	}
	fmt.Println("audit chain verified")
	return nil
}
