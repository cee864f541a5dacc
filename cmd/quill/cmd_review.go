// Copyright (C) 2026 Quill Review (oss@quillreview.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quillreview/quill/services/review"
)

var (
	reviewSubject  string
	reviewRevision string
)

var reviewCmd = &cobra.Command{
	Use:   "review <diff-file>",
	Short: "Review a local diff file and print the aggregate result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read diff: %w", err)
		}

		// One-shot runs keep everything in memory.
		cfg := config
		cfg.Storage.InMemory = true
		rt, err := buildRuntime(cfg, false)
		if err != nil {
			return err
		}
		defer rt.close()

		resp, err := rt.engine.ReviewDiff(context.Background(), review.ReviewRequest{
			Subject:  reviewSubject,
			Revision: reviewRevision,
			Trigger:  "cli",
		}, string(raw))
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(resp.Result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	reviewCmd.Flags().StringVar(&reviewSubject, "subject", "local/diff", "subject identifier for the change")
	reviewCmd.Flags().StringVar(&reviewRevision, "revision", "working-tree", "revision identifier for the change")
}
