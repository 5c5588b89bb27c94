// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package relay streams upstream completion bytes to the browser while a
// second consumer accumulates them for persistence.
package relay

import (
	"bytes"
	"io"
	"sync"
)

// =============================================================================
// STREAM TEE
// =============================================================================

// teeReadSize is the pump's read buffer size.
const teeReadSize = 32 * 1024

// Tee duplicates one byte stream into two independent readers.
//
// A pump goroutine drains the source and appends each chunk to both
// branches' buffers. Branch buffers grow as needed, so a slow reader on
// one branch never stalls the other; the client relay and the transcript
// accumulator proceed at their own pace.
type Tee struct {
	branches [2]*Branch
}

// Branch is one side of a Tee. It implements io.ReadCloser.
type Branch struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
	done   bool
	err    error // terminal pump error, io.EOF on clean end
}

// NewTee starts duplicating src and returns both branches. The pump stops
// when src returns an error (io.EOF included); it does not close src.
func NewTee(src io.Reader) (*Tee, *Branch, *Branch) {
	t := &Tee{}
	for i := range t.branches {
		b := &Branch{}
		b.cond = sync.NewCond(&b.mu)
		t.branches[i] = b
	}

	go t.pump(src)
	return t, t.branches[0], t.branches[1]
}

// pump drains src into both branches.
func (t *Tee) pump(src io.Reader) {
	buf := make([]byte, teeReadSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			for _, b := range t.branches {
				b.append(buf[:n])
			}
		}
		if err != nil {
			for _, b := range t.branches {
				b.finish(err)
			}
			return
		}
	}
}

// append adds a chunk to the branch buffer and wakes a waiting reader.
// Chunks arriving after Close are dropped.
func (b *Branch) append(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.buf.Write(p)
	b.cond.Broadcast()
}

// finish records the terminal error and wakes waiting readers.
func (b *Branch) finish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done = true
	b.err = err
	b.cond.Broadcast()
}

// Read returns buffered data, blocking until the pump delivers more or
// the stream ends. After the buffered data is drained it returns the
// pump's terminal error.
func (b *Branch) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.buf.Len() == 0 && !b.done && !b.closed {
		b.cond.Wait()
	}

	if b.closed {
		return 0, io.ErrClosedPipe
	}
	if b.buf.Len() > 0 {
		return b.buf.Read(p)
	}
	return 0, b.err
}

// Close abandons the branch. Buffered and future data are discarded;
// pending reads fail with io.ErrClosedPipe. The other branch is
// unaffected.
func (b *Branch) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.buf.Reset()
	b.cond.Broadcast()
	return nil
}
