// QuipoDB - document store command line
//
// Inspect and edit collections stored by any configured provider,
// run SQL against them and export them to PostgreSQL.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
