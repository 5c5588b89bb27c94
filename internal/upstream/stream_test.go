// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package upstream

import (
	"io"
	"strings"
	"testing"
)

func sseBody(blocks ...string) string {
	var sb strings.Builder
	for _, b := range blocks {
		sb.WriteString("data: ")
		sb.WriteString(b)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func deltaBlock(content string) string {
	return `{"choices":[{"delta":{"content":"` + content + `"}}]}`
}

func TestSSEReader_ReadEvent(t *testing.T) {
	body := "data: first\n\nevent: custom\ndata: second\n\n"
	reader := NewSSEReader(strings.NewReader(body))

	eventType, data, err := reader.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent failed: %v", err)
	}
	if eventType != "" || string(data) != "first" {
		t.Errorf("first event = (%q, %q), want (\"\", \"first\")", eventType, data)
	}

	eventType, data, err = reader.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent failed: %v", err)
	}
	if eventType != "custom" || string(data) != "second" {
		t.Errorf("second event = (%q, %q), want (\"custom\", \"second\")", eventType, data)
	}

	if _, _, err = reader.ReadEvent(); err != io.EOF {
		t.Errorf("final ReadEvent error = %v, want io.EOF", err)
	}
}

func TestSSEReader_MultilineData(t *testing.T) {
	body := "data: line1\ndata: line2\n\n"
	reader := NewSSEReader(strings.NewReader(body))

	_, data, err := reader.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent failed: %v", err)
	}
	if string(data) != "line1\nline2" {
		t.Errorf("data = %q, want %q", data, "line1\nline2")
	}
}

func TestSSEReader_TrailingEventWithoutBlankLine(t *testing.T) {
	reader := NewSSEReader(strings.NewReader("data: tail"))

	_, data, err := reader.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent failed: %v", err)
	}
	if string(data) != "tail" {
		t.Errorf("data = %q, want %q", data, "tail")
	}
}

func TestAccumulate(t *testing.T) {
	body := sseBody(
		deltaBlock("Hello"),
		deltaBlock(", "),
		deltaBlock("world"),
		"[DONE]",
	)

	got, err := Accumulate(strings.NewReader(body))
	if err != nil {
		t.Fatalf("Accumulate failed: %v", err)
	}
	if got != "Hello, world" {
		t.Errorf("Accumulate = %q, want %q", got, "Hello, world")
	}
}

func TestAccumulate_SkipsMalformedBlocks(t *testing.T) {
	body := sseBody(
		deltaBlock("keep"),
		`{not valid json`,
		deltaBlock(" this"),
		"[DONE]",
	)

	got, err := Accumulate(strings.NewReader(body))
	if err != nil {
		t.Fatalf("Accumulate failed: %v", err)
	}
	if got != "keep this" {
		t.Errorf("Accumulate = %q, want %q", got, "keep this")
	}
}

func TestAccumulate_StopsAtDone(t *testing.T) {
	body := sseBody(
		deltaBlock("before"),
		"[DONE]",
		deltaBlock("after"),
	)

	got, err := Accumulate(strings.NewReader(body))
	if err != nil {
		t.Fatalf("Accumulate failed: %v", err)
	}
	if got != "before" {
		t.Errorf("Accumulate = %q, want %q (nothing after [DONE])", got, "before")
	}
}

func TestAccumulate_MultiByteRunes(t *testing.T) {
	body := sseBody(
		deltaBlock("日本"),
		deltaBlock("語で"),
		deltaBlock("す"),
		"[DONE]",
	)

	got, err := Accumulate(strings.NewReader(body))
	if err != nil {
		t.Fatalf("Accumulate failed: %v", err)
	}
	if got != "日本語です" {
		t.Errorf("Accumulate = %q, want %q", got, "日本語です")
	}
}

func TestAccumulate_EmptyStream(t *testing.T) {
	got, err := Accumulate(strings.NewReader("data: [DONE]\n\n"))
	if err != nil {
		t.Fatalf("Accumulate failed: %v", err)
	}
	if got != "" {
		t.Errorf("Accumulate = %q, want empty", got)
	}
}

func TestDeltaScanner_MetadataOnlyChunks(t *testing.T) {
	// Chunks without choices (usage, pings) yield empty deltas but do not
	// break the scan.
	body := sseBody(
		`{"id":"cmpl-1","model":"deepseek-chat","choices":[]}`,
		deltaBlock("text"),
		"[DONE]",
	)

	scanner := NewDeltaScanner(strings.NewReader(body))
	var sb strings.Builder
	for scanner.Scan() {
		sb.WriteString(scanner.Delta())
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scanner error: %v", err)
	}
	if sb.String() != "text" {
		t.Errorf("accumulated = %q, want %q", sb.String(), "text")
	}
}

func TestStreamChunk_Delta(t *testing.T) {
	var chunk StreamChunk
	if chunk.Delta() != "" {
		t.Error("empty chunk should yield empty delta")
	}
	if chunk.IsDone() {
		t.Error("empty chunk should not be done")
	}
}
