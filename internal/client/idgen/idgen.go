// Package idgen provides the default Channel-id generator (spec §6.3):
// 16 characters of randomness, deterministic sequences being acceptable
// only when both peers on a link agree out of band (spec §9).
package idgen

import (
	"crypto/rand"
	"fmt"

	"github.com/webitel/stateful-rpc/internal/wire"
)

const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Func generates one fresh channel id.
type Func func() wire.ChannelID

// Random16 is the default generator: 16 bytes of crypto/rand entropy
// mapped onto an alphanumeric alphabet.
func Random16() wire.ChannelID {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is effectively fatal for process entropy; fall
		// back to a process-unique-enough value rather than panicking a
		// live link.
		return wire.ChannelID(fmt.Sprintf("fallback-%x", buf))
	}
	out := make([]byte, 16)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return wire.ChannelID(out)
}
