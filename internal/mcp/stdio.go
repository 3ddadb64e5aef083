// ABOUTME: Line-delimited JSON-RPC over stdin/stdout for single-tenant local use
// ABOUTME: One adapter serves the whole process lifetime

package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/2389/easel-gateway/internal/session"
)

// ServeStdio reads one JSON-RPC message per line from in and writes each
// reply, newline terminated, to out. It returns nil when in reaches EOF or
// ctx is cancelled.
func ServeStdio(ctx context.Context, in io.Reader, out io.Writer, adapter session.Adapter, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	lines := make(chan []byte)
	scanErr := make(chan error, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(lines)

		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), MaxRequestBodySize)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	w := bufio.NewWriter(out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				wg.Wait()
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("reading stdin: %w", err)
					}
				default:
				}
				return nil
			}
			if len(line) == 0 {
				continue
			}

			resp, err := adapter.HandleMessage(ctx, line)
			if err != nil {
				logger.Error("stdio message failed", "error", err)
				continue
			}
			if resp == nil {
				continue
			}
			if _, err := w.Write(append(resp, '\n')); err != nil {
				return fmt.Errorf("writing stdout: %w", err)
			}
			if err := w.Flush(); err != nil {
				return fmt.Errorf("writing stdout: %w", err)
			}
		}
	}
}
