// Package diskqueue is the last layer of C3's write-path cascade: a
// durable, append-only, hex-encoded log used only when the database
// could not accept even the DLQ write for a single payload. It drives
// no control flow; it exists so the stream cursor can always advance
// past truly poisoned input.
package diskqueue

import (
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"
)

// Log appends hex-encoded payload records, one per line, fsyncing
// after every write.
type Log struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// Open opens (creating if necessary) the append-only log at path.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("diskqueue: open %s: %w", path, err)
	}
	return &Log{path: path, file: f}, nil
}

// Append writes one record: RFC3339 timestamp, reason, and hex payload,
// tab-separated, newline terminated. It fsyncs before returning so a
// crash immediately after cannot lose the record.
func (l *Log) Append(reason string, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	line := fmt.Sprintf("%s\t%s\t%s\n", time.Now().UTC().Format(time.RFC3339Nano), reason, hex.EncodeToString(payload))
	if _, err := l.file.WriteString(line); err != nil {
		return fmt.Errorf("diskqueue: write: %w", err)
	}
	return l.file.Sync()
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
