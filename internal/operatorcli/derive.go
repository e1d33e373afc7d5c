package operatorcli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/evmhot/custody/internal/hdwallet"
)

var deriveCmd = &cobra.Command{
	Use:   "derive",
	Short: "Derive the managed address for a mnemonic and account id",
	Long: `Derive the deposit address a running custodyd would issue for a
given account id: m/44'/60'/0'/0/N where N is the first 4 bytes of
Keccak-256(account_id), matching the service's deterministic mapping.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mnemonic, _ := cmd.Flags().GetString("mnemonic")
		accountID, _ := cmd.Flags().GetString("account-id")
		index, _ := cmd.Flags().GetUint32("index")

		if mnemonic == "" {
			return fmt.Errorf("--mnemonic is required")
		}

		w, err := hdwallet.NewFromMnemonic(mnemonic)
		if err != nil {
			return fmt.Errorf("load mnemonic: %w", err)
		}

		if accountID != "" {
			index = hdwallet.IndexForAccount(accountID)
		}

		addr, err := w.DeriveAddress(index)
		if err != nil {
			return fmt.Errorf("derive address at index %d: %w", index, err)
		}

		fmt.Printf("Index:   %d\n", index)
		if accountID != "" {
			fmt.Printf("Account: %s\n", accountID)
		}
		fmt.Printf("Address: %s\n", addr.Hex())
		return nil
	},
}

func init() {
	deriveCmd.Flags().StringP("mnemonic", "m", "", "Mnemonic phrase (required)")
	deriveCmd.Flags().String("account-id", "", "Account id to derive the index for (overrides --index)")
	deriveCmd.Flags().Uint32("index", 0, "Explicit derivation index, used when --account-id is omitted")
	deriveCmd.MarkFlagRequired("mnemonic")
	rootCmd.AddCommand(deriveCmd)
}
