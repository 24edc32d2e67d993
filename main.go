// The main package for the ani-regulations executable.
package main

import (
	"github.com/JakeFAU/ani-regulations/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
