package p2p

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/emrefkucuk/transcrypt/internal/codec"
	"github.com/emrefkucuk/transcrypt/internal/envelope"
	"github.com/emrefkucuk/transcrypt/pkg/protocol"
)

var ErrTransferProtocol = errors.New("unexpected frame on direct channel")

// FileResult is a fully reassembled direct-channel transfer.
type FileResult struct {
	Filename          string
	Data              []byte
	IntegrityChecked  bool
	IntegrityVerified bool
}

// SendFile seals the payload, announces it with a file_metadata control
// message and streams the ciphertext in 16KiB chunks with back-pressure.
func SendFile(ctx context.Context, conn *Conn, filename string, data []byte, opts protocol.EncryptionOptions) error {
	env, err := envelope.Seal(data, opts)
	if err != nil {
		return err
	}

	meta := protocol.Marshal(protocol.FileMetadata{
		Type:               protocol.TypeFileMetadata,
		Filename:           filename,
		Filesize:           int64(len(env.Ciphertext)),
		EncryptionOptions:  opts,
		EncryptionMetadata: env.Metadata(),
	})
	if err := conn.WriteControl(ctx, meta); err != nil {
		return err
	}

	sender := codec.NewSender(conn, conn.cfg.ChunkSize)
	return sender.Send(ctx, bytes.NewReader(env.Ciphertext), int64(len(env.Ciphertext)))
}

type frame struct {
	binary bool
	data   []byte
}

// ReceiveFile drives the assembler from inbound channel traffic, opens the
// envelope and verifies the integrity digest. Install it before the sender
// starts writing.
func ReceiveFile(ctx context.Context, conn *Conn, maxFileSize int64) (*FileResult, error) {
	frames := make(chan frame, 64)
	conn.SetOnMessage(func(binary bool, data []byte) {
		select {
		case frames <- frame{binary: binary, data: data}:
		case <-ctx.Done():
		}
	})
	defer conn.SetOnMessage(nil)

	assembler := codec.NewAssembler(maxFileSize)
	var fileMeta protocol.FileMetadata

	for {
		var f frame
		select {
		case f = <-frames:
		case <-conn.Done():
			return nil, ErrConnectFailed
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if f.binary {
			if err := assembler.AppendChunk(f.data); err != nil {
				return nil, err
			}
			continue
		}

		switch gjson.GetBytes(f.data, "type").String() {
		case protocol.TypeFileMetadata:
			if err := json.Unmarshal(f.data, &fileMeta); err != nil {
				return nil, fmt.Errorf("malformed file metadata: %w", err)
			}
			if err := assembler.Start(fileMeta.Filename, fileMeta.Filesize, codec.Options{
				Method:         fileMeta.EncryptionOptions.Method,
				IntegrityCheck: fileMeta.EncryptionOptions.IntegrityCheck,
			}); err != nil {
				return nil, err
			}
		case protocol.TypeChunkMeta, protocol.TypeFileChunk:
			var cm protocol.ChunkMeta
			if err := json.Unmarshal(f.data, &cm); err != nil {
				return nil, fmt.Errorf("malformed chunk metadata: %w", err)
			}
			complete, err := assembler.FinishChunk(cm.ChunkID, cm.TotalChunks)
			if err != nil {
				return nil, err
			}
			if complete {
				return finishReceive(assembler, fileMeta)
			}
		default:
			return nil, ErrTransferProtocol
		}
	}
}

func finishReceive(assembler *codec.Assembler, fileMeta protocol.FileMetadata) (*FileResult, error) {
	ciphertext := assembler.Bytes()
	result := &FileResult{Filename: fileMeta.Filename}

	var meta protocol.EncryptionMetadata
	if fileMeta.EncryptionMetadata != nil {
		meta = *fileMeta.EncryptionMetadata
	}
	plaintext, err := envelope.Open(ciphertext, meta)
	if err != nil {
		return nil, err
	}
	result.Data = plaintext

	if fileMeta.EncryptionOptions.IntegrityCheck {
		result.IntegrityChecked = true
		result.IntegrityVerified = envelope.VerifyIntegrity(plaintext, meta.FileHash)
	}
	return result, nil
}
