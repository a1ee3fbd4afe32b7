// Command fetchctl issues resilient HTTP requests from the command line and
// runs a throttled proxy in front of an upstream API.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
