// Command custodyctl is the operator CLI for the custody service: it
// can generate mnemonics, derive managed addresses, and inspect or
// repair a store file's scan cursor.
package main

import (
	"fmt"
	"os"

	"github.com/evmhot/custody/internal/operatorcli"
)

func main() {
	if err := operatorcli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
