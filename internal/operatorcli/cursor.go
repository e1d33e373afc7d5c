package operatorcli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/evmhot/custody/internal/store"
)

var cursorCmd = &cobra.Command{
	Use:   "cursor",
	Short: "Show or repair the chain-scan cursor",
	Long: `Show the store's last-processed-block cursor, or set it with
--set for maintenance recovery (e.g. after restoring a backup taken
while the service was stopped). The service must not be running
against this store file while --set is used.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath := viper.GetString("db")

		st, err := store.Open(dbPath)
		if err != nil {
			return fmt.Errorf("open store %s: %w", dbPath, err)
		}
		defer st.Close()

		if set, _ := cmd.Flags().GetInt64("set"); set >= 0 {
			if err := st.SetScanCursor(uint64(set)); err != nil {
				return fmt.Errorf("set scan cursor: %w", err)
			}
			fmt.Printf("Scan cursor set to block %d\n", set)
			return nil
		}

		cursor, err := st.GetScanCursor()
		if err != nil {
			return fmt.Errorf("read scan cursor: %w", err)
		}
		fmt.Printf("Last processed block: %d\n", cursor)
		return nil
	},
}

func init() {
	cursorCmd.Flags().Int64("set", -1, "Set the scan cursor to this block number instead of reading it")
	rootCmd.AddCommand(cursorCmd)
}
