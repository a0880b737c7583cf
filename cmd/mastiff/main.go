// Command mastiff builds and queries reverse indexes over FracMinHash
// sketches.
package main

import (
	"os"

	"github.com/kilupskalvis/mastiff/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
