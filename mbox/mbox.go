// Package mbox streams messages out of an mbox archive so saved notification
// emails can be replayed through the classifier and link extractor.
package mbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/household-autoconfirm/decode"
	"github.com/dhcgn/household-autoconfirm/model"
)

type Reader struct {
	path   string
	logger *slog.Logger
}

func NewReader(path string, logger *slog.Logger) (*Reader, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	return &Reader{path: path, logger: logger}, nil
}

// Stream sends every message of the archive to out. Messages are numbered
// from 1 in archive order.
func (r *Reader) Stream(ctx context.Context, out chan<- model.Envelope) error {
	file, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	err = StreamFrom(ctx, file, out)
	if err != nil && r.logger != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error("mbox stream error", "path", r.path, "err", err)
	}
	return err
}

// StreamFrom is Stream for an already opened archive.
func StreamFrom(ctx context.Context, src io.Reader, out chan<- model.Envelope) error {
	reader := mboxlib.NewReader(src)

	for idx := 1; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return emit(ctx, out, model.Envelope{Err: fmt.Errorf("message %d: %w", idx, err)})
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			if err := emit(ctx, out, model.Envelope{Err: fmt.Errorf("message %d read: %w", idx, err)}); err != nil {
				return err
			}
			continue
		}

		header, body := decode.SplitRawMessage(raw)
		msg := model.RawMessage{ID: uint32(idx), Header: header, Body: body}
		if err := emit(ctx, out, model.Envelope{Message: msg}); err != nil {
			return err
		}
	}
}

func emit(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}
