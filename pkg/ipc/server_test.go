// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	loomerr "github.com/loomctl/loom/pkg/errors"
)

// syncBuffer makes bytes.Buffer safe for the server's concurrent writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) lines(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		out = append(out, rec)
	}
	return out
}

func runServer(t *testing.T, input string, handler Handler) ([]map[string]any, error) {
	t.Helper()

	out := &syncBuffer{}
	shutdowns := 0
	srv := NewServer(strings.NewReader(input), out, handler, func(context.Context) {
		shutdowns++
	})

	err := srv.Run(context.Background())
	assert.Equal(t, 1, shutdowns)
	return out.lines(t), err
}

func echoHandler(_ context.Context, req *Request) (any, error) {
	return map[string]any{"echo": req.Type}, nil
}

func TestServerRun_DispatchAndEOF(t *testing.T) {
	t.Parallel()

	lines, err := runServer(t, `{"id":"1","type":"LIST_WORKFLOWS"}`+"\n", echoHandler)
	require.ErrorIs(t, err, io.EOF)
	require.Len(t, lines, 1)
	assert.Equal(t, "1", lines[0]["id"])
	assert.Equal(t, true, lines[0]["success"])
	assert.Equal(t, map[string]any{"echo": "LIST_WORKFLOWS"}, lines[0]["result"])
}

func TestServerRun_HandlerErrorMapsCode(t *testing.T) {
	t.Parallel()

	lines, err := runServer(t, `{"id":"1","type":"GET_WORKFLOW_STATUS"}`+"\n",
		func(context.Context, *Request) (any, error) {
			return nil, loomerr.New(loomerr.CodeNotFound, "no such execution")
		})
	require.ErrorIs(t, err, io.EOF)
	require.Len(t, lines, 1)
	assert.Equal(t, false, lines[0]["success"])
	errDetail := lines[0]["error"].(map[string]any)
	assert.Equal(t, "NOT_FOUND", errDetail["code"])
	assert.Equal(t, "no such execution", errDetail["message"])
}

func TestServerRun_ParseErrorRecoversID(t *testing.T) {
	t.Parallel()

	// A type-mismatched line fails Request decoding but still yields its
	// id; a truncated line yields the "unknown" placeholder.
	input := `{"id":"req-9","type":123}` + "\n" + `garbage` + "\n"
	lines, err := runServer(t, input, echoHandler)
	require.ErrorIs(t, err, io.EOF)
	require.Len(t, lines, 2)

	first := lines[0]["error"].(map[string]any)
	assert.Equal(t, "req-9", lines[0]["id"])
	assert.Equal(t, "PARSE_ERROR", first["code"])

	assert.Equal(t, "unknown", lines[1]["id"])
	second := lines[1]["error"].(map[string]any)
	assert.Equal(t, "PARSE_ERROR", second["code"])
}

func TestServerRun_MissingIDOrType(t *testing.T) {
	t.Parallel()

	input := `{"type":"PING"}` + "\n" + `{"id":"5"}` + "\n"
	lines, err := runServer(t, input, echoHandler)
	require.ErrorIs(t, err, io.EOF)
	require.Len(t, lines, 2)
	for _, line := range lines {
		detail := line["error"].(map[string]any)
		assert.Equal(t, "INVALID_PARAMS", detail["code"])
	}
	assert.Equal(t, "5", lines[1]["id"])
}

func TestServerRun_ShutdownStopsLoop(t *testing.T) {
	t.Parallel()

	input := `{"id":"1","type":"SHUTDOWN"}` + "\n" + `{"id":"2","type":"PING"}` + "\n"
	lines, err := runServer(t, input, echoHandler)
	require.NoError(t, err)

	// The request after SHUTDOWN is never read.
	require.Len(t, lines, 1)
	assert.Equal(t, "1", lines[0]["id"])
	assert.Equal(t, map[string]any{"stopping": true}, lines[0]["result"])
}

func TestEmitReady(t *testing.T) {
	t.Parallel()

	out := &syncBuffer{}
	srv := NewServer(strings.NewReader(""), out, echoHandler, func(context.Context) {})
	require.NoError(t, srv.EmitReady())

	lines := out.lines(t)
	require.Len(t, lines, 1)
	assert.Equal(t, TypeReady, lines[0]["type"])
	assert.NotZero(t, lines[0]["pid"])
}

func TestCodec_ReadLineSkipsBlanksAndCopies(t *testing.T) {
	t.Parallel()

	codec := NewCodec(strings.NewReader("\n\nfirst\nsecond\n"), io.Discard)

	first, err := codec.ReadLine()
	require.NoError(t, err)
	second, err := codec.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "first", string(first))
	assert.Equal(t, "second", string(second))

	_, err = codec.ReadLine()
	require.ErrorIs(t, err, io.EOF)
}

func TestCodec_OversizedLineFailsRead(t *testing.T) {
	t.Parallel()

	huge := strings.Repeat("x", maxLineBytes+1)
	codec := NewCodec(strings.NewReader(huge+"\n"), io.Discard)

	_, err := codec.ReadLine()
	require.Error(t, err)
}

func TestDecodePayload(t *testing.T) {
	t.Parallel()

	var got struct {
		WorkflowID string `json:"workflow_id"`
	}
	req := &Request{ID: "1", Type: VerbStartWorkflow, Payload: json.RawMessage(`{"workflow_id":"wf"}`)}
	require.NoError(t, DecodePayload(req, &got))
	assert.Equal(t, "wf", got.WorkflowID)

	empty := &Request{ID: "2", Type: VerbStartWorkflow}
	require.Error(t, DecodePayload(empty, &got))

	malformed := &Request{ID: "3", Type: VerbStartWorkflow, Payload: json.RawMessage(`{`)}
	require.Error(t, DecodePayload(malformed, &got))
}
