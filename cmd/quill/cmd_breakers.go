// Copyright (C) 2026 Quill Review (oss@quillreview.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var breakersAddr string

var breakersCmd = &cobra.Command{
	Use:   "breakers",
	Short: "Show circuit breaker state from a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := breakersAddr
		if addr == "" {
			addr = "http://localhost" + config.Server.ListenAddr
		}
		if !strings.HasPrefix(addr, "http") {
			addr = "http://" + addr
		}

		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Get(addr + "/v1/health")
		if err != nil {
			return fmt.Errorf("fetch health: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("health returned %d: %s", resp.StatusCode, body)
		}

		var health struct {
			Breakers json.RawMessage `json:"breakers"`
		}
		if err := json.Unmarshal(body, &health); err != nil {
			return err
		}

		var pretty any
		if err := json.Unmarshal(health.Breakers, &pretty); err != nil {
			return err
		}
		out, err := json.MarshalIndent(pretty, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	breakersCmd.Flags().StringVar(&breakersAddr, "addr", "", "server address (default: configured listen address on localhost)")
}
