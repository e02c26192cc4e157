// Command apicache-cli validates cache configs and shows how requests would
// be classified and keyed.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		red.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
