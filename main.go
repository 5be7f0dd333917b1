// The main package for the journal-crawler executable.
package main

import (
	"github.com/JakeFAU/journal-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
