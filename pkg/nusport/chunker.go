package nusport

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/nusport/pkg/device"
	"golang.org/x/time/rate"
)

// SplitChunks splits data into consecutive slices of at most size bytes,
// preserving order. The slices share data's backing array. A size below 1 is
// replaced by DefaultMTU.
func SplitChunks(data []byte, size int) [][]byte {
	if size < 1 {
		size = DefaultMTU
	}
	if len(data) == 0 {
		return nil
	}

	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > 0 {
		n := min(size, len(data))
		chunks = append(chunks, data[:n:n])
		data = data[n:]
	}
	return chunks
}

// chunkWriter is the transmit side: it writes chunks to RX in order, paced by
// a token bucket so consecutive writes are at least delay apart.
type chunkWriter struct {
	limiter *rate.Limiter
	logger  *logrus.Logger

	bytesWritten  atomic.Uint64
	chunksWritten atomic.Uint64
}

func newChunkWriter(delay time.Duration, logger *logrus.Logger) *chunkWriter {
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}
	return &chunkWriter{
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

// write sends data as ceil(len/mtu) chunks. The first failing chunk aborts the
// rest and determines the returned error.
func (w *chunkWriter) write(rx device.Characteristic, data []byte, mtu int, withResponse bool, timeout time.Duration) error {
	chunks := SplitChunks(data, mtu)

	w.logger.WithFields(logrus.Fields{
		"bytes":         len(data),
		"mtu":           mtu,
		"chunks":        len(chunks),
		"with_response": withResponse,
	}).Debug("Writing to RX characteristic")

	for i, chunk := range chunks {
		if err := w.limiter.Wait(context.Background()); err != nil {
			return newError(WriteFailed, err, "pacing chunk %d/%d", i+1, len(chunks))
		}

		if err := w.writeChunk(rx, chunk, withResponse, timeout); err != nil {
			w.logger.WithFields(logrus.Fields{
				"chunk":     i + 1,
				"chunks":    len(chunks),
				"char_uuid": rx.UUID(),
				"error":     err,
			}).Error("Chunk write failed, aborting remaining chunks")

			kind := WriteFailed
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, device.ErrTimeout) {
				kind = WriteTimeout
			}
			return newError(kind, err, "chunk %d/%d (%d bytes)", i+1, len(chunks), len(chunk))
		}

		w.chunksWritten.Add(1)
		w.bytesWritten.Add(uint64(len(chunk)))
	}
	return nil
}

func (w *chunkWriter) writeChunk(rx device.Characteristic, chunk []byte, withResponse bool, timeout time.Duration) error {
	ctx, cancel := withTimeout(context.Background(), timeout)
	defer cancel()

	_, err := callWithContext(ctx, "nus-write-chunk", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, rx.Write(ctx, chunk, withResponse)
	})
	return err
}
