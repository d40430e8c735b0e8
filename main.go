// The main package for the procurement-enricher executable.
package main

import (
	"github.com/JakeFAU/procurement-enricher/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
