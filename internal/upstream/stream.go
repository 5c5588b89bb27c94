// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package upstream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// =============================================================================
// STREAMING CONSTANTS
// =============================================================================

// MaxEventSize is the maximum allowed size for a single SSE event (64KB).
const MaxEventSize = 64 * 1024

// doneSentinel terminates an SSE completion stream.
var doneSentinel = []byte("[DONE]")

// =============================================================================
// STREAM CHUNK
// =============================================================================

// StreamChunk is one decoded data block from the completion stream.
type StreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
			Role    string `json:"role,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Delta returns the content fragment from the first choice.
func (c *StreamChunk) Delta() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].Delta.Content
	}
	return ""
}

// IsDone returns true if the chunk carries a finish reason.
func (c *StreamChunk) IsDone() bool {
	if len(c.Choices) > 0 {
		return c.Choices[0].FinishReason != ""
	}
	return false
}

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader parses Server-Sent Events from a byte stream. Events are
// blank-line delimited; data may span multiple "data:" lines.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates an SSE reader over r.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReader(r)}
}

// ReadEvent reads the next SSE event and returns its type and data.
// Returns io.EOF when the stream ends; a trailing event without a final
// blank line is still delivered before EOF.
func (s *SSEReader) ReadEvent() (string, []byte, error) {
	var eventType string
	var dataLines [][]byte
	var size int

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				if len(dataLines) > 0 {
					return eventType, bytes.Join(dataLines, []byte("\n")), nil
				}
				return "", nil, io.EOF
			}
			return "", nil, err
		}

		line = bytes.TrimRight(line, "\r\n")

		// Blank line ends the event
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			eventType = string(bytes.TrimSpace(line[6:]))
		case bytes.HasPrefix(line, []byte("data:")):
			data := bytes.TrimSpace(line[5:])
			size += len(data)
			if size > MaxEventSize {
				return "", nil, fmt.Errorf("event too large: %d bytes", size)
			}
			dataLines = append(dataLines, data)
		}
		// Ignore id:, retry:, and comment lines starting with ":"
	}
}

// =============================================================================
// DELTA SCANNER
// =============================================================================

// DeltaScanner walks an SSE completion stream and yields content deltas.
// Malformed data blocks are skipped rather than failing the stream; the
// [DONE] sentinel ends the scan cleanly.
type DeltaScanner struct {
	sse   *SSEReader
	delta string
	err   error
	done  bool
}

// NewDeltaScanner creates a scanner over a raw SSE stream.
func NewDeltaScanner(r io.Reader) *DeltaScanner {
	return &DeltaScanner{sse: NewSSEReader(r)}
}

// Scan advances to the next content delta. Returns false at end of stream
// or on error; check Err afterwards.
func (d *DeltaScanner) Scan() bool {
	if d.done || d.err != nil {
		return false
	}

	for {
		_, data, err := d.sse.ReadEvent()
		if err != nil {
			d.done = true
			if err != io.EOF {
				d.err = err
			}
			return false
		}

		if bytes.Equal(data, doneSentinel) {
			d.done = true
			return false
		}

		var chunk StreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			// Skip malformed blocks
			continue
		}

		d.delta = chunk.Delta()
		return true
	}
}

// Delta returns the content fragment from the last successful Scan.
// May be empty for chunks that carry only metadata.
func (d *DeltaScanner) Delta() string {
	return d.delta
}

// Err returns the first error hit during scanning, excluding io.EOF.
func (d *DeltaScanner) Err() error {
	return d.err
}

// =============================================================================
// ACCUMULATION
// =============================================================================

// Accumulate reads an entire SSE completion stream and returns the
// concatenated assistant text. An error mid-stream returns the error and
// discards nothing; callers decide what to do with the partial text.
func Accumulate(r io.Reader) (string, error) {
	var sb strings.Builder
	scanner := NewDeltaScanner(r)
	for scanner.Scan() {
		sb.WriteString(scanner.Delta())
	}
	return sb.String(), scanner.Err()
}
