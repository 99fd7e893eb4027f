// Package main implements the repackd entry point: an HTTP and websocket
// server that accepts plugin repackaging tasks, and a standalone worker that
// executes them from the Redis queue.
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
