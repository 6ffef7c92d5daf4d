// Package main is the entry point for the edgebridge on-prem agent.
package main

import (
	"os"

	"github.com/edgebridge/edgebridge/cmd/ebridge-agent/app"
	"github.com/edgebridge/edgebridge/pkg/logger"
)

func main() {
	// Initialize the logger
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
