// The main package for the jobboard-sync executable.
package main

import (
	"github.com/JakeFAU/jobboard-sync/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
