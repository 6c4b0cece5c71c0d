package poll

import (
	"strings"

	"github.com/fzft/go-afdpoll/poll/internal/afd"
)

// Interest is the set of readiness kinds a caller wants to be told about.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

// Add returns the union of i and other.
func (i Interest) Add(other Interest) Interest {
	return i | other
}

// Remove returns i without other.
func (i Interest) Remove(other Interest) Interest {
	return i &^ other
}

func (i Interest) IsReadable() bool {
	return i&Readable != 0
}

func (i Interest) IsWritable() bool {
	return i&Writable != 0
}

func (i Interest) String() string {
	var parts []string
	if i.IsReadable() {
		parts = append(parts, "READABLE")
	}
	if i.IsWritable() {
		parts = append(parts, "WRITABLE")
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// Token is an opaque value chosen by the caller at registration and echoed
// back in every event of that resource.
type Token uint64

// interestFlags maps an interest set to AFD poll flags. The flags that are
// always reported are added by setEvent, not here.
func interestFlags(i Interest) uint32 {
	var flags uint32
	if i.IsReadable() {
		// DISCONNECT so a peer shutdown is seen as read closed
		flags |= afd.PollReceive | afd.PollAccept | afd.PollDisconnect
	}
	if i.IsWritable() {
		flags |= afd.PollSend
	}
	return flags
}
