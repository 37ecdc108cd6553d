// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chat

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccumulator_WriteAndFinalize(t *testing.T) {
	acc := newAccumulator()
	defer acc.Destroy()

	require.NoError(t, acc.Write("Hello, "))
	require.NoError(t, acc.Write("world"))
	require.NoError(t, acc.Write("!"))

	text, digest, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "Hello, world!", text)

	sum := sha256.Sum256([]byte("Hello, world!"))
	assert.Equal(t, hex.EncodeToString(sum[:]), digest)
}

func TestAccumulator_Empty(t *testing.T) {
	acc := newAccumulator()
	defer acc.Destroy()

	text, digest, err := acc.Finalize()
	require.NoError(t, err)
	assert.Empty(t, text)
	sum := sha256.Sum256(nil)
	assert.Equal(t, hex.EncodeToString(sum[:]), digest)
}

func TestAccumulator_Overflow(t *testing.T) {
	acc := newAccumulator()
	defer acc.Destroy()

	big := strings.Repeat("a", maxAccumulatorBytes)
	require.NoError(t, acc.Write(big))
	err := acc.Write("b")
	require.ErrorIs(t, err, errAccumulatorOverflow)
}

func TestAccumulator_UseAfterDestroy(t *testing.T) {
	acc := newAccumulator()
	acc.Destroy()
	acc.Destroy() // idempotent

	assert.ErrorIs(t, acc.Write("x"), errAccumulatorDestroyed)
	_, _, err := acc.Finalize()
	assert.ErrorIs(t, err, errAccumulatorDestroyed)
}

func TestInsecureAccumulator_Fallback(t *testing.T) {
	acc := &insecureAccumulator{hasher: sha256.New()}
	defer acc.Destroy()

	require.NoError(t, acc.Write("fallback "))
	require.NoError(t, acc.Write("path"))
	text, _, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "fallback path", text)
}
