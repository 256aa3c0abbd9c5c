// Package codec implements the chunked transfer algorithm shared by the
// relay and the direct P2P channel. It is transport-agnostic: the sender
// walks an io.Reader and emits frames through a FrameWriter, the assembler
// consumes frames in arrival order.
//
// Framing is positional: every binary payload is immediately followed by a
// {chunk_id, total_chunks} control frame, and the receiver pairs them by
// adjacency. The transport must therefore deliver frames reliably and in
// order.
package codec

import (
	"context"
	"errors"
	"io"

	"github.com/emrefkucuk/transcrypt/pkg/protocol"
)

const (
	// RelayChunkSize is used over the WebSocket relay.
	RelayChunkSize = 64 * 1024
	// P2PChunkSize is smaller to respect data-channel buffering limits.
	P2PChunkSize = 16 * 1024
)

var (
	ErrNoTransfer        = errors.New("no transfer in progress")
	ErrFileTooLarge      = errors.New("declared filesize exceeds the configured maximum")
	ErrOversizedTransfer = errors.New("received more data than the declared filesize allows")
	ErrChunkOutOfOrder   = errors.New("chunk arrived out of order")
	ErrUnpairedChunk     = errors.New("binary frame arrived before the previous one was paired")
	ErrNoPendingChunk    = errors.New("chunk metadata arrived without a binary frame")
)

// Plan returns the number of chunks a payload of the given size occupies.
// A zero-size payload still produces one (empty) chunk so the completion
// signal fires.
func Plan(filesize int64, chunkSize int) int {
	if filesize <= 0 {
		return 1
	}
	total := filesize / int64(chunkSize)
	if filesize%int64(chunkSize) != 0 {
		total++
	}
	return int(total)
}

// Progress is the percentage reported after each chunk.
func Progress(transferred, total int64) int {
	if total <= 0 {
		return 100
	}
	pct := int(transferred * 100 / total)
	if pct > 100 {
		pct = 100
	}
	return pct
}

// FrameWriter is the transport half the sender writes into.
type FrameWriter interface {
	WriteBinary(ctx context.Context, payload []byte) error
	WriteControl(ctx context.Context, message []byte) error
}

// Sender streams a payload as binary/control frame pairs.
type Sender struct {
	w         FrameWriter
	chunkSize int
}

func NewSender(w FrameWriter, chunkSize int) *Sender {
	if chunkSize <= 0 {
		chunkSize = RelayChunkSize
	}
	return &Sender{w: w, chunkSize: chunkSize}
}

// Send splits the payload into chunks and writes each binary frame followed
// by its control frame. The caller emits the start_transfer/file_metadata
// message itself before calling Send.
func (s *Sender) Send(ctx context.Context, r io.Reader, filesize int64) error {
	total := Plan(filesize, s.chunkSize)
	buf := make([]byte, s.chunkSize)

	for id := 0; id < total; id++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := io.ReadFull(r, buf)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			err = nil
		}
		if err != nil {
			return err
		}

		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		if err := s.w.WriteBinary(ctx, chunk); err != nil {
			return err
		}
		meta := protocol.Marshal(protocol.ChunkMeta{
			Type:        protocol.TypeChunkMeta,
			ChunkID:     id,
			TotalChunks: total,
		})
		if err := s.w.WriteControl(ctx, meta); err != nil {
			return err
		}
	}
	return nil
}
