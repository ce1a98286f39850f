package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running instance's state and resource usage",
	RunE:  showStatus,
}

func init() {
	statusCmd.Flags().String("addr", "http://127.0.0.1:8080", "HTTP boundary address of the running instance")
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(addr + "/agent/status")
	if err != nil {
		return fmt.Errorf("no running instance at %s: %w", addr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status request failed: %s", resp.Status)
	}

	var body struct {
		State     string             `json:"state"`
		Resources map[string]float64 `json:"resources"`
		Warnings  []string           `json:"warnings"`
		Critical  []string           `json:"critical"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("undecodable status response: %w", err)
	}

	fmt.Printf("state: %s\n", body.State)
	for name, pct := range body.Resources {
		fmt.Printf("  %-16s %.1f%%\n", name, pct)
	}
	for _, w := range body.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
	for _, c := range body.Critical {
		fmt.Printf("CRITICAL: %s\n", c)
	}
	return nil
}
