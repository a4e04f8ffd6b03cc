package session

import (
	"encoding/hex"
	"time"

	"golang.org/x/crypto/sha3"
)

// rotateEpoch derives a fresh, non-cryptographic session-epoch id from the
// session's local id and the current wall time. It exists purely for log
// and diagnostics correlation across a reconnect boundary (§9 open
// question 2) and is never used for transport-level sealing, which the
// transport host owns entirely.
func rotateEpoch(sessionID string, now time.Time) Epoch {
	h := sha3.New256()
	h.Write([]byte(sessionID))
	var tbuf [8]byte
	ts := now.UnixNano()
	for i := 0; i < 8; i++ {
		tbuf[i] = byte(ts >> (8 * i))
	}
	h.Write(tbuf[:])
	sum := h.Sum(nil)
	return Epoch{ID: hex.EncodeToString(sum[:8]), RotatedAt: now}
}

// epochDue reports whether e is stale enough to rotate, either because it
// was never set or DefaultEpochRotationInterval has elapsed.
func epochDue(e Epoch, now time.Time) bool {
	return e.ID == "" || now.Sub(e.RotatedAt) >= DefaultEpochRotationInterval
}
