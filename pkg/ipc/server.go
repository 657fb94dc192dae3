// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"time"

	loomerr "github.com/loomctl/loom/pkg/errors"
	"github.com/loomctl/loom/pkg/logger"
)

// Handler routes a single parsed request to the owning service and returns
// its result. Returned errors are mapped to protocol error codes via
// errors.CodeOf.
type Handler func(ctx context.Context, req *Request) (any, error)

// Server runs the parent request loop: parse a line, route it, respond.
// The loop itself is single-threaded; handlers decide whether to run work
// on a background goroutine (workflow execution does, quick verbs do not).
type Server struct {
	codec   *Codec
	handler Handler

	// shutdown is invoked once when a SHUTDOWN request arrives or the
	// input stream closes. It must be idempotent.
	shutdown func(ctx context.Context)

	// drainTimeout bounds how long shutdown waits for in-flight work.
	drainTimeout time.Duration
}

// NewServer creates a request loop over the given streams.
func NewServer(r io.Reader, w io.Writer, handler Handler, shutdown func(ctx context.Context)) *Server {
	return &Server{
		codec:        NewCodec(r, w),
		handler:      handler,
		shutdown:     shutdown,
		drainTimeout: 30 * time.Second,
	}
}

// EmitReady writes the unsolicited startup record to the parent.
func (s *Server) EmitReady() error {
	return s.codec.WriteRecord(&ReadyRecord{
		Type:      TypeReady,
		PID:       os.Getpid(),
		Timestamp: time.Now().UnixMilli(),
	})
}

// Respond writes a response line to the parent. Safe for concurrent use;
// background executions use it to deliver lifecycle responses.
func (s *Server) Respond(resp *Response) {
	if err := s.codec.WriteRecord(resp); err != nil {
		logger.Errorw("failed to write response", "id", resp.ID, "error", err)
	}
}

// Run reads requests until SHUTDOWN or EOF, then drains and returns.
func (s *Server) Run(ctx context.Context) error {
	for {
		line, err := s.codec.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Errorw("request stream read failed", "error", err)
			}
			s.doShutdown()
			return err
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			// Recover the request id if the line held one, so the
			// parent can correlate the failure.
			s.Respond(ErrResponse(recoverID(line), loomerr.CodeParseError, err.Error()))
			continue
		}
		if req.ID == "" || req.Type == "" {
			s.Respond(ErrResponse(recoverID(line), loomerr.CodeInvalidParams, "request requires id and type"))
			continue
		}

		if req.Type == VerbShutdown {
			s.Respond(OkResponse(req.ID, map[string]any{"stopping": true}))
			s.doShutdown()
			return nil
		}

		s.dispatch(ctx, &req)
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) {
	result, err := s.handler(ctx, req)
	if err != nil {
		s.Respond(ErrResponse(req.ID, loomerr.CodeOf(err), err.Error()))
		return
	}
	s.Respond(OkResponse(req.ID, result))
}

func (s *Server) doShutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.drainTimeout)
	defer cancel()
	s.shutdown(ctx)
}

// recoverID extracts the id field from a malformed request line on a
// best-effort basis.
func recoverID(line []byte) string {
	var partial struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(line, &partial); err == nil && partial.ID != "" {
		return partial.ID
	}
	return "unknown"
}
