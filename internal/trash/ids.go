package trash

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"time"

	"golang.org/x/crypto/blake2b"
)

const idLen = 32

// newTrashID derives an id from the absolute path, a nanosecond timestamp
// and random salt, so two deletions of the same path never share an id.
func newTrashID(absPath string, at time.Time) string {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(at.UnixNano()))
	_, _ = rand.Read(buf[8:])

	h, _ := blake2b.New256(nil)
	h.Write([]byte(absPath))
	h.Write(buf[:])
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:idLen/2])
}

// validID reports whether id has the shape newTrashID produces. It keeps
// caller-supplied ids from escaping the trash root.
func validID(id string) bool {
	if len(id) != idLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
