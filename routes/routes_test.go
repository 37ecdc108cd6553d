// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleylabs/parley/chat"
	"github.com/parleylabs/parley/datatypes"
	"github.com/parleylabs/parley/history"
	"github.com/parleylabs/parley/llm"
	"github.com/parleylabs/parley/retriever"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubChecker struct{}

func (stubChecker) Check(context.Context, string, datatypes.ContentType, string, string) datatypes.SecurityVerdict {
	return datatypes.SafeVerdict("")
}

type stubRetriever struct{}

func (stubRetriever) Retrieve(context.Context, string, string, string) (*retriever.Result, error) {
	return &retriever.Result{}, nil
}

type stubClient struct{}

func (stubClient) Name() string { return "stub" }

func (stubClient) Generate(context.Context, llm.GenerateRequest) (*llm.GenerateResult, error) {
	return &llm.GenerateResult{}, nil
}

func (stubClient) GenerateStream(context.Context, llm.GenerateRequest, llm.StreamCallback) error {
	return nil
}

func (stubClient) VerifyConnection(context.Context) bool { return true }

func newTestDeps(store history.Store) Dependencies {
	logger := slog.New(slog.DiscardHandler)
	service := chat.NewService(
		stubChecker{}, store, stubRetriever{}, stubClient{},
		nil, nil, nil, logger,
		chat.Config{HistoryEnabled: store != nil},
	)
	return Dependencies{Service: service, Store: store, Client: stubClient{}, Logger: logger}
}

func TestSetupRoutes_WithStore(t *testing.T) {
	t.Parallel()

	router := gin.New()
	SetupRoutes(router, newTestDeps(history.NewMemoryStore(20, 10)))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSetupRoutes_HistoryDisabled(t *testing.T) {
	t.Parallel()

	router := gin.New()
	require.NotPanics(t, func() {
		SetupRoutes(router, newTestDeps(nil))
	})

	// Chat endpoints stay registered, session administration does not.
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
