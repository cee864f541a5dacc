// Copyright (C) 2026 Quill Review (oss@quillreview.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package server is the thin HTTP ingress over the review engine.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quillreview/quill/services/review"
)

// Server hosts the review API.
type Server struct {
	engine *review.Engine
	router *gin.Engine
	http   *http.Server
	logger *slog.Logger
}

// reviewBody is the POST /v1/reviews payload.
type reviewBody struct {
	Subject  string `json:"subject" binding:"required"`
	Revision string `json:"revision" binding:"required"`
	Trigger  string `json:"trigger"`
}

// New builds the server and its routes.
func New(engine *review.Engine, addr string, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		engine: engine,
		router: router,
		logger: logger,
		http: &http.Server{
			Addr:    addr,
			Handler: router,
		},
	}

	router.POST("/v1/reviews", s.handleReview)
	router.GET("/v1/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return s
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine { return s.router }

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) handleReview(c *gin.Context) {
	var body reviewBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := s.engine.Review(c.Request.Context(), review.ReviewRequest{
		Subject:  body.Subject,
		Revision: body.Revision,
		Trigger:  body.Trigger,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusOK, resp)
	case errors.Is(err, review.ErrPartialBatch):
		// Still a usable result; the response carries its own Partial
		// flag, so the shape stays the same as a full review.
		c.JSON(http.StatusOK, resp)
	case errors.Is(err, review.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, review.ErrBreakerOpen):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		s.logger.Error("review failed", "subject", body.Subject, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"breakers": s.engine.Breakers().Snapshots(ctx),
		"cache":    s.engine.CacheStatistics(),
	})
}
