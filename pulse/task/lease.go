package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
)

// Lease is proof that a worker currently owns one stage of one crate version.
// Commits are accepted only while Token is still the record's current token.
type Lease struct {
	VersionID int64
	Crate     string
	Version   string
	Stage     StageKind
	Token     string
	Attempt   int
	ExpiresAt time.Time
}

// NewLeaseToken returns a fresh random lease token.
func NewLeaseToken() string {
	return uuid.NewString()
}

// ShortToken renders the token compactly for logs.
func (l Lease) ShortToken() string {
	u, err := uuid.Parse(l.Token)
	if err != nil {
		return l.Token
	}
	return base58.Encode(u[:])
}

// Key is the human-readable identity of the leased stage.
func (l Lease) Key() string {
	return fmt.Sprintf("%s@%s/%s", l.Crate, l.Version, l.Stage)
}
