// Package main is the entry point for the feedback sync server.
package main

import (
	"os"

	"github.com/pulsedesk/feedback-sync-server/cmd/feedback-syncd/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
