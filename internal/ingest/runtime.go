package ingest

import (
	"encoding/hex"
	"fmt"
)

// Runtime groups the ingest-side values the admin replay hook needs:
// the buffer and the receiver that feeds it. The persister, the
// dispatcher and the broker adapters are not part of it; cmd/ingestd
// constructs them and passes them to each other directly.
type Runtime struct {
	Buffer   *Buffer
	Receiver *Receiver
}

// Replay is the one admin-surface hook the core implements (§6): it
// decodes a hex-encoded raw payload and injects it into the buffer as
// if it had arrived on the stream at sentinel offset -1, with no
// broker context. C3's cursor-advancement step must tolerate (and
// skip for) a nil context, which model.PendingMessage / Buffer already
// do since advanceCursor no-ops on a nil Context.
func (r *Runtime) Replay(rawHex string) error {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return fmt.Errorf("ingest: replay payload is not valid hex: %w", err)
	}
	r.Receiver.Deliver(-1, raw, nil)
	return nil
}
