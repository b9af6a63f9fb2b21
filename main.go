// The main package for the crawlindex executable.
package main

import (
	"os"

	"github.com/JakeFAU/crawlindex/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
