// Command kadnode runs a DHT node next to its host network discovery
// service.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "kadnode: %v\n", err)
		os.Exit(1)
	}
}
