// Package operatorcli is the custodyctl operator tool: generate
// mnemonics, derive addresses, and inspect the scan cursor, grounded
// in the teacher's cobra/viper internal/cli package.
package operatorcli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	version = "1.0.0"
)

var rootCmd = &cobra.Command{
	Use:     "custodyctl",
	Short:   "Operator CLI for the custody service",
	Version: version,
	Long: `custodyctl is an operator tool for the EVM hot-wallet custody
service: generate mnemonics, derive managed addresses, and inspect or
repair the chain-scan cursor of a running deployment's store.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.custodyctl.yaml)")
	rootCmd.PersistentFlags().String("db", "custody.db", "path to the service's bbolt store file")
	viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".custodyctl")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
