// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// maxLineBytes caps a single protocol line. Larger lines are a protocol
// violation and terminate the read loop.
const maxLineBytes = 1 << 20

// Codec frames newline-delimited JSON records over a reader/writer pair.
// Writes are serialized with a mutex so concurrent goroutines may send;
// reads are expected from a single reader goroutine.
type Codec struct {
	writeMu sync.Mutex
	w       io.Writer
	scanner *bufio.Scanner
}

// NewCodec creates a codec over the given streams.
func NewCodec(r io.Reader, w io.Writer) *Codec {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	return &Codec{w: w, scanner: scanner}
}

// WriteRecord marshals v and writes it as a single line.
func (c *Codec) WriteRecord(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}
	return nil
}

// ReadLine returns the next non-empty line. io.EOF is returned when the
// stream closes.
func (c *Codec) ReadLine() ([]byte, error) {
	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// The scanner reuses its buffer; copy before returning.
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := c.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
