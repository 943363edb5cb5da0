package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/Guizzs26/go-scan-sync/pkg/encoding"
)

// Reader feeds keyboard-wedge input to a Station: the scanner types the code and presses Enter
type Reader struct {
	station *Station
	logger  *slog.Logger
}

func NewReader(station *Station, logger *slog.Logger) *Reader {
	return &Reader{station: station, logger: logger}
}

// Run consumes one scan per line until in is exhausted or ctx is canceled
func (r *Reader) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan []byte)
	readErr := make(chan error, 1)

	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					if err != nil {
						return fmt.Errorf("read scanner input: %w", err)
					}
				default:
				}
				return nil
			}

			if _, err := r.station.Scan(ctx, encoding.ToUTF8(line)); err != nil {
				if errors.Is(err, ErrEmptyScan) {
					continue
				}
				r.logger.Error("Scan was not recorded", "error", err)
			}
		}
	}
}
