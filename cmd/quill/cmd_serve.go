// Copyright (C) 2026 Quill Review (oss@quillreview.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quillreview/quill/services/review/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the review API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(config, true)
		if err != nil {
			return err
		}
		defer rt.close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		srv := server.New(rt.engine, config.Server.ListenAddr, rt.logger.Slog())
		return srv.Run(ctx)
	},
}
