package refract

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// refract is an ordered reflector for collaborative reverse engineering
// sessions. Many clients, each an instance of an analysis tool working on a
// shared binary, connect and post edits ("updates"). The server assigns each
// update a monotonic id within its project and fans it out to every other
// attached session, gated by per-session permission masks.

const GpidSize = 32
const HashSize = 16
const ChallengeSize = 32

// EmptyGpid is the placeholder global project id handed out in volatile mode,
// where projects do not survive a restart and can never be rejoined.
const EmptyGpid = "0000000000000000000000000000000000000000000000000000000000000000"

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", self[0:4], self[4:6], self[6:8], self[8:10], self[10:16])
}

func (self Id) LessThan(other Id) bool {
	for i := 0; i < 16; i++ {
		if self[i] != other[i] {
			return self[i] < other[i]
		}
	}
	return false
}

// NewGpid generates a candidate global project id, a long random hex token.
// Uniqueness is enforced by the store's insert constraint, not here.
func NewGpid() string {
	gpidBytes := make([]byte, GpidSize)
	if _, err := rand.Read(gpidBytes); err != nil {
		panic(err)
	}
	return hex.EncodeToString(gpidBytes)
}

// IsHexToken reports whether s is a well formed token of n raw bytes.
func IsHexToken(s string, n int) bool {
	if len(s) != 2*n {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
