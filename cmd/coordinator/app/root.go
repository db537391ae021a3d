// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app defines the coordinator's command tree.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/demo-coordinator/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Demo terminal session coordinator",
	Long: `The coordinator multiplexes a single shared terminal across remote users:
one active session at a time, strict FIFO queueing, invite-gated access,
and session tokens consumed by the reverse proxy's auth sub-requests.`,
	SilenceUsage: true,
}

// NewRootCmd assembles the command tree.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Fatalf("Failed to bind debug flag: %v", err)
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}
