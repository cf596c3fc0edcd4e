// The main package for the crawl-engine executable.
package main

import (
	"github.com/JakeFAU/crawl-engine/cmd"
)

// main defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
