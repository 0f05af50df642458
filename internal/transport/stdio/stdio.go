// Package stdio implements the stdio transport adapter (C8): a
// newline-delimited JSON request/response loop, one MCP envelope per line.
// A malformed line yields a JSON-RPC parse-error response on that line
// alone; the stream is never torn down over it. Grounded on the teacher's
// cmd/mcpbridge/main.go graceful-shutdown-over-a-context idiom, generalized
// from an HTTP-fronted bridge to a direct stdin/stdout loop.
package stdio

import (
	"bufio"
	"context"
	"io"

	"github.com/rs/zerolog"

	"github.com/sharedctx/sharedctx-server/internal/mcpserver"
)

const maxLineBytes = 1 << 20 // 1 MiB, matches the HTTP transport's body cap

// Server reads newline-delimited JSON-RPC requests from in and writes
// newline-delimited responses to out.
type Server struct {
	dispatcher *mcpserver.Dispatcher
	logger     *zerolog.Logger
	in         io.Reader
	out        io.Writer
}

// NewServer wires the stdio transport to the shared dispatcher.
func NewServer(logger *zerolog.Logger, dispatcher *mcpserver.Dispatcher, in io.Reader, out io.Writer) *Server {
	return &Server{dispatcher: dispatcher, logger: logger, in: in, out: out}
}

// Run reads lines until ctx is canceled or the input stream closes.
func (s *Server) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	writer := bufio.NewWriter(s.out)

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			lines <- line
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			if len(line) == 0 {
				continue
			}
			resp := s.dispatcher.Dispatch(ctx, line)
			if resp == nil {
				continue
			}
			if _, err := writer.Write(resp); err != nil {
				return err
			}
			if err := writer.WriteByte('\n'); err != nil {
				return err
			}
			if err := writer.Flush(); err != nil {
				return err
			}
		}
	}
}
