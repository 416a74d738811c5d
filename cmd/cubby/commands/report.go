package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cubbyhost/cubby/internal/bytesize"
	"github.com/cubbyhost/cubby/internal/cli/output"
	"github.com/cubbyhost/cubby/pkg/config"
	"github.com/cubbyhost/cubby/pkg/models"
	"github.com/cubbyhost/cubby/pkg/store"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show a storage usage report",
	Long: `Show a per-user storage usage report from the metadata store.

The report lists every account with its role, status, file count and storage
consumption against the configured quota. Run it against the same
configuration the server uses.

Examples:
  cubby report
  cubby report --config /etc/cubby/config.yaml`,
	RunE: runReport,
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	s, err := store.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	users, err := s.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}
	quotas, err := s.ListQuotas(ctx)
	if err != nil {
		return fmt.Errorf("failed to list quotas: %w", err)
	}

	byUser := make(map[string]*models.Quota, len(quotas))
	for _, q := range quotas {
		byUser[q.UserID] = q
	}

	var totalBytes, totalFiles int64
	table := output.NewTable("USERNAME", "ROLE", "STATUS", "FILES", "USED", "LIMIT")
	for _, u := range users {
		used, files, limit := "-", "-", "-"
		if q, ok := byUser[u.ID]; ok {
			used = bytesize.FormatInt64(q.StorageBytes)
			files = fmt.Sprintf("%d", q.FileCount)
			if q.MaxStorage == models.Unlimited {
				limit = "unlimited"
			} else {
				limit = bytesize.FormatInt64(q.MaxStorage)
			}
			totalBytes += q.StorageBytes
			totalFiles += q.FileCount
		}
		table.AddRow(u.Username, u.Role, u.Status, files, used, limit)
	}
	table.Render(os.Stdout)

	fmt.Println()
	output.KeyValue(os.Stdout, [][2]string{
		{"Users", fmt.Sprintf("%d", len(users))},
		{"Files", fmt.Sprintf("%d", totalFiles)},
		{"Storage used", bytesize.FormatInt64(totalBytes)},
	})
	return nil
}
