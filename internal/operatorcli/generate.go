package operatorcli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/evmhot/custody/internal/hdwallet"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new BIP-39 mnemonic phrase",
	Long: `Generate a new cryptographically secure mnemonic phrase suitable
for use as either MNEMONIC or FAUCET_MNEMONIC.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		bits, _ := cmd.Flags().GetInt("bits")
		if bits != 128 && bits != 160 && bits != 192 && bits != 224 && bits != 256 {
			return fmt.Errorf("invalid entropy bits: %d (must be 128, 160, 192, 224, or 256)", bits)
		}

		mnemonic, err := hdwallet.NewMnemonic(bits)
		if err != nil {
			return fmt.Errorf("generate mnemonic: %w", err)
		}

		fmt.Printf("Generated mnemonic phrase:\n%s\n\n", mnemonic)
		fmt.Printf("⚠️  Store this phrase securely; anyone holding it controls every derived address.\n")
		return nil
	},
}

func init() {
	generateCmd.Flags().IntP("bits", "b", 256, "Entropy bits (128, 160, 192, 224, or 256)")
	rootCmd.AddCommand(generateCmd)
}
