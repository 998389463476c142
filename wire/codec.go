package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Frame layout: 1 flag byte, 8-byte big-endian xxhash64 of the body,
// then the body (msgpack, zstd-compressed when flagged).
const (
	flagCompressed = 0x01

	frameHeaderLen = 1 + 8

	// compressThreshold is the body size above which zstd kicks in.
	// Batches of a few hundred txns compress well; pings and signals never
	// reach it.
	compressThreshold = 4 * 1024
)

var (
	encoderOnce sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder) {
	encoderOnce.Do(func() {
		zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		zstdDecoder, _ = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder
}

// Marshal frames an envelope for the broker.
func Marshal(env *Envelope) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.Encode(env); err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	body := buf.Bytes()

	var flags byte
	if len(body) > compressThreshold {
		encoder, _ := zstdCodecs()
		body = encoder.EncodeAll(body, make([]byte, 0, len(body)/2))
		flags |= flagCompressed
	}

	frame := make([]byte, frameHeaderLen+len(body))
	frame[0] = flags
	binary.BigEndian.PutUint64(frame[1:9], xxhash.Sum64(body))
	copy(frame[frameHeaderLen:], body)
	return frame, nil
}

// Unmarshal parses a framed envelope, verifying the checksum.
func Unmarshal(frame []byte) (*Envelope, error) {
	if len(frame) < frameHeaderLen {
		return nil, fmt.Errorf("frame too short: %d bytes", len(frame))
	}
	flags := frame[0]
	sum := binary.BigEndian.Uint64(frame[1:9])
	body := frame[frameHeaderLen:]

	if xxhash.Sum64(body) != sum {
		return nil, fmt.Errorf("envelope checksum mismatch")
	}

	if flags&flagCompressed != 0 {
		_, decoder := zstdCodecs()
		decompressed, err := decoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress envelope: %w", err)
		}
		body = decompressed
	}

	var env Envelope
	dec := msgpack.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return &env, nil
}
