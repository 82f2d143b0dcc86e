// Command sessiontable manages the table used for session storage, and
// reads and writes individual sessions for troubleshooting.
//
// Usage:
//
//  sessiontable [--config sessions.yaml] ensure-table
//  sessiontable set --data '{"user":"alice"}' --ttl 1h
//  sessiontable get 4a5c6f0e-...
package main

import (
	"context"
	"os"
)

func main() {
	if err := newApp().rootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
