// Command hubctl administers an ExtensionHub server over its REST API.
package main

import (
	"fmt"
	"os"

	"ExtensionHub/cmd/hubctl/cmd"
)

func main() {
	if err := cmd.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
