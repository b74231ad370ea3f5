package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/faceid/internal/database"
	"github.com/kozaktomas/faceid/internal/identity"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage accounts",
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts ordered by ID",
	Long: `List accounts ordered by ID.

Examples:
  faceid accounts list
  faceid accounts list --offset 100 --limit 50 --json`,
	RunE: runAccountsList,
}

var accountsDeleteCmd = &cobra.Command{
	Use:   "delete <account-id>...",
	Short: "Delete accounts together with their face vectors",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAccountsDelete,
}

func init() {
	rootCmd.AddCommand(accountsCmd)
	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsDeleteCmd)

	accountsListCmd.Flags().Int("offset", 0, "Number of accounts to skip")
	accountsListCmd.Flags().Int("limit", 100, "Maximum number of accounts to list")
	accountsListCmd.Flags().Bool("json", false, "Output as JSON")
}

// AccountRow is one line of accounts list output.
type AccountRow struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	IsPrivileged bool   `json:"is_privileged"`
	HasPassword  bool   `json:"has_password"`
	Vectors      int    `json:"vectors"`
}

// openAccountService opens the store without the vector index and wraps it
// in an account service. A running server picks up the changes on its next
// index rebuild.
func openAccountService(ctx context.Context, bcryptCost int) (*identity.AccountService, func(), error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := database.Open(ctx, &cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	svc := identity.NewAccountService(store, identity.NewBcryptHasher(bcryptCost), logger)
	return svc, func() { store.Close() }, nil
}

func runAccountsList(cmd *cobra.Command, args []string) error {
	offset := mustGetInt(cmd, "offset")
	limit := mustGetInt(cmd, "limit")
	jsonOutput := mustGetBool(cmd, "json")
	if offset < 0 || limit <= 0 {
		return fmt.Errorf("offset must be >= 0 and limit > 0, got %d and %d", offset, limit)
	}

	ctx := context.Background()
	svc, closeStore, err := openAccountService(ctx, 0)
	if err != nil {
		return err
	}
	defer closeStore()

	accounts, err := svc.List(ctx, offset, limit)
	if err != nil {
		return fmt.Errorf("listing accounts: %w", err)
	}

	rows := make([]AccountRow, 0, len(accounts))
	for _, acc := range accounts {
		rows = append(rows, AccountRow{
			ID:           acc.ID,
			Username:     acc.Username,
			IsPrivileged: acc.IsPrivileged,
			HasPassword:  acc.CredentialHash != "",
			Vectors:      len(acc.Vectors),
		})
	}

	if jsonOutput {
		return outputJSON(rows)
	}
	if len(rows) == 0 {
		fmt.Println("No accounts.")
		return nil
	}
	fmt.Printf("%-36s  %-24s  %-10s  %s\n", "ID", "USERNAME", "PRIVILEGED", "VECTORS")
	for _, r := range rows {
		fmt.Printf("%-36s  %-24s  %-10t  %d\n", r.ID, r.Username, r.IsPrivileged, r.Vectors)
	}
	return nil
}

func runAccountsDelete(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, closeStore, err := openAccountService(ctx, 0)
	if err != nil {
		return err
	}
	defer closeStore()

	failed := 0
	for _, id := range args {
		if err := svc.Delete(ctx, id); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %s\n", id, identity.Message(identity.KindOf(err)))
			failed++
			continue
		}
		fmt.Printf("Deleted %s\n", id)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d deletions failed", failed, len(args))
	}
	return nil
}
