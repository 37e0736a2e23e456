// Command kloros runs the KLoROS evolutionary lifecycle core: the registry,
// signal bus, PHASE evaluator, and the supervising services around them.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "kloros: %v\n", err)
		os.Exit(1)
	}
}
