// Package classify recognizes the extended hostname forms a SOCKS client
// may request: plain hostnames, ".exit"-pinned hostnames, and ".onion"
// hidden-service addresses.
package classify

import (
	"strings"

	"github.com/opd-ai/torrelay-edge/pkg/onion"
)

// Kind is the result of classifying an address string.
type Kind int

const (
	// Normal is a plain hostname or IP literal.
	Normal Kind = iota
	// Exit indicates a ".exit"-suffixed, pinned-exit hostname.
	Exit
	// Onion indicates a ".onion" hidden-service address.
	Onion
)

// String returns a human-readable name for the classification.
func (k Kind) String() string {
	switch k {
	case Normal:
		return "NORMAL"
	case Exit:
		return "EXIT"
	case Onion:
		return "ONION"
	default:
		return "UNKNOWN"
	}
}

// Hostname classifies address and returns the (possibly mutated) string
// that should replace it.
//
// For Exit, the returned string has the trailing ".exit" stripped; the
// caller is expected to split the remainder on its own final dot into
// host and pinned-exit nickname (see SplitExitHost).
//
// For Onion, the returned string is the lowercased service-id with the
// ".onion" suffix stripped, matching the source behavior of nulling the
// suffix in place before returning.
//
// For Normal, the returned string is the input, unchanged.
func Hostname(address string) (Kind, string) {
	dot := strings.LastIndex(address, ".")
	if dot < 0 {
		return Normal, address
	}

	suffix := address[dot+1:]
	remainder := address[:dot]

	if strings.EqualFold(suffix, "exit") {
		return Exit, remainder
	}

	if !strings.EqualFold(suffix, "onion") {
		return Normal, address
	}

	// It's a .onion address: validate the service-id before committing
	// to the mutation. On any malformed condition, restore the dot and
	// report NORMAL rather than ONION.
	if _, err := onion.ParseAddress(remainder + ".onion"); err != nil {
		return Normal, address
	}

	return Onion, strings.ToLower(remainder)
}

// SplitExitHost splits the remainder of a ".exit" classification into the
// target host and the pinned exit nickname, e.g. "www.example.com.myexit"
// becomes ("www.example.com", "myexit").
func SplitExitHost(remainder string) (host, nickname string, ok bool) {
	dot := strings.LastIndex(remainder, ".")
	if dot < 0 {
		return "", "", false
	}
	return remainder[:dot], remainder[dot+1:], true
}
