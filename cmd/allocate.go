package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/voltgrid/csms/core/ems"
	"github.com/voltgrid/csms/core/model"
)

var snapshotPath string

var allocateCmd = &cobra.Command{
	Use:   "allocate",
	Short: "Run one allocation round over a fleet snapshot file",
	RunE:  allocateOnce,
}

func init() {
	allocateCmd.Flags().StringVarP(&snapshotPath, "snapshot", "s", "fleet.json", "fleet snapshot file")
	rootCmd.AddCommand(allocateCmd)
}

type fleetSnapshot struct {
	Site       model.SiteSetting `json:"site"`
	Connectors []model.Connector `json:"connectors"`
	Online     []string          `json:"online"`
}

// allocateOnce computes a single allocation from a JSON snapshot and prints
// the result. Useful to replay a production fleet state on a laptop.
func allocateOnce(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(snapshotPath)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	var snap fleetSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Online == nil {
		for _, c := range snap.Connectors {
			snap.Online = append(snap.Online, c.CPSN)
		}
	}

	res := ems.Allocate(snap.Site, snap.Connectors, snap.Online)
	if err := res.CheckBudget(0.001); err != nil {
		return fmt.Errorf("budget check: %w", err)
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
