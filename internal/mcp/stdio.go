package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// maxLineBytes bounds one inbound frame. Large file writes arrive
// base64-free as JSON strings, so the ceiling is generous.
const maxLineBytes = 4 << 20

// StdioServer drives the dispatcher over line-delimited JSON-RPC:
// one JSON object per line in, one per line out.
type StdioServer struct {
	disp *Dispatcher
	in   io.Reader
	out  io.Writer
	log  zerolog.Logger

	writeMu sync.Mutex
}

// NewStdioServer wires the dispatcher to a reader/writer pair,
// conventionally stdin and stdout.
func NewStdioServer(disp *Dispatcher, in io.Reader, out io.Writer, logger zerolog.Logger) *StdioServer {
	return &StdioServer{
		disp: disp,
		in:   in,
		out:  out,
		log:  logger.With().Str("component", "stdio").Logger(),
	}
}

type frame struct {
	line []byte
	err  error
}

// Serve reads frames until EOF or cancellation. Each frame is answered
// on its own goroutine so a slow SSH operation does not stall the read
// loop; writes are serialised. Returns nil on EOF.
func (s *StdioServer) Serve(ctx context.Context) error {
	frames := make(chan frame)
	go s.readFrames(ctx, frames)

	var handlers sync.WaitGroup
	defer handlers.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			if f.err != nil {
				return fmt.Errorf("stdin read: %w", f.err)
			}
			if len(bytes.TrimSpace(f.line)) == 0 {
				continue
			}
			handlers.Add(1)
			go func(line []byte) {
				defer handlers.Done()
				s.respond(ctx, line)
			}(f.line)
		}
	}
}

func (s *StdioServer) readFrames(ctx context.Context, frames chan<- frame) {
	defer close(frames)
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		// Scanner reuses its buffer across Scan calls.
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		select {
		case frames <- frame{line: line}:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case frames <- frame{err: err}:
		case <-ctx.Done():
		}
	}
}

func (s *StdioServer) respond(ctx context.Context, line []byte) {
	resp := s.disp.DispatchRaw(ctx, line)
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error().Err(err).Msg("response marshal failed")
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := fmt.Fprintf(s.out, "%s\n", data); err != nil {
		s.log.Error().Err(err).Msg("stdout write failed")
	}
}
