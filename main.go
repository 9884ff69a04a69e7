// The main package for the loginscout executable.
package main

import (
	"github.com/ssoscout/loginscout/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
