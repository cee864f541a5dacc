// Copyright (C) 2026 Quill Review (oss@quillreview.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quillreview/quill/services/review"
)

var (
	configPath string
	config     review.Config
)

var rootCmd = &cobra.Command{
	Use:   "quill",
	Short: "quill orchestrates automated change reviews",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		config, err = review.LoadConfig(configPath)
		return err
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to quill.yaml (optional)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(breakersCmd)
}
