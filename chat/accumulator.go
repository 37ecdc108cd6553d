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
	"errors"
	"fmt"
	"hash"
	"sync"

	"github.com/awnumar/memguard"
)

// maxAccumulatorBytes bounds one stream's accumulated text. 512KB covers
// any realistic completion; overflow terminates the stream rather than
// growing unbounded.
const maxAccumulatorBytes = 512 * 1024

var (
	errAccumulatorOverflow  = errors.New("accumulator: response exceeds buffer capacity")
	errAccumulatorDestroyed = errors.New("accumulator: used after destroy")
)

// accumulator collects streamed tokens for the stored turn. One instance
// exists per in-flight stream, owned exclusively by the call that created
// it, and is destroyed when the stream ends for any reason.
//
// The secure implementation keeps the text in an mlocked memguard buffer
// so completed-but-unstored responses never page to disk, and maintains
// an incremental SHA-256 of everything written for audit logging. When
// mlock is unavailable (container memory limits) it degrades to a plain
// heap buffer.
type accumulator interface {
	// Write appends one token.
	Write(token string) error

	// Finalize returns the accumulated text and its hex SHA-256.
	Finalize() (text string, digest string, err error)

	// Destroy wipes and releases the buffer. Idempotent.
	Destroy()
}

// =============================================================================
// Secure Accumulator
// =============================================================================

type secureAccumulator struct {
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	destroyed bool
}

// newAccumulator returns a secure accumulator, or the insecure fallback
// if the locked buffer cannot be allocated.
func newAccumulator() accumulator {
	buf := func() (b *memguard.LockedBuffer) {
		defer func() {
			// memguard panics when the mlock rlimit is exhausted.
			if r := recover(); r != nil {
				b = nil
			}
		}()
		b = memguard.NewBuffer(maxAccumulatorBytes)
		b.Melt()
		return b
	}()
	if buf == nil {
		return &insecureAccumulator{hasher: sha256.New()}
	}
	return &secureAccumulator{buffer: buf, hasher: sha256.New()}
}

func (a *secureAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return errAccumulatorDestroyed
	}
	if a.offset+len(token) > maxAccumulatorBytes {
		return errAccumulatorOverflow
	}
	copy(a.buffer.Bytes()[a.offset:], token)
	a.offset += len(token)
	a.hasher.Write([]byte(token))
	return nil
}

func (a *secureAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return "", "", errAccumulatorDestroyed
	}
	text := string(a.buffer.Bytes()[:a.offset])
	return text, hex.EncodeToString(a.hasher.Sum(nil)), nil
}

func (a *secureAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.destroyed = true
	a.buffer.Destroy()
}

// =============================================================================
// Insecure Fallback
// =============================================================================

type insecureAccumulator struct {
	mu        sync.Mutex
	buf       []byte
	hasher    hash.Hash
	destroyed bool
}

func (a *insecureAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return errAccumulatorDestroyed
	}
	if len(a.buf)+len(token) > maxAccumulatorBytes {
		return fmt.Errorf("%w (insecure)", errAccumulatorOverflow)
	}
	a.buf = append(a.buf, token...)
	a.hasher.Write([]byte(token))
	return nil
}

func (a *insecureAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return "", "", errAccumulatorDestroyed
	}
	return string(a.buf), hex.EncodeToString(a.hasher.Sum(nil)), nil
}

func (a *insecureAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.destroyed = true
	for i := range a.buf {
		a.buf[i] = 0
	}
	a.buf = nil
}
