package edge

import (
	"fmt"
	"net"
	"strings"
)

// PolicyAction is the verdict a matching PolicyRule carries.
type PolicyAction int

const (
	PolicyReject PolicyAction = iota
	PolicyAccept
)

func (a PolicyAction) String() string {
	if a == PolicyAccept {
		return "accept"
	}
	return "reject"
}

// PolicyRule is a single parsed "accept|reject addr[/bits][:port]" entry.
type PolicyRule struct {
	Action  PolicyAction
	network *net.IPNet
	portLo  int
	portHi  int
}

// Policy is a first-match-wins, default-reject address policy, used both
// for SocksPolicy (which clients may use the SOCKS port) and ExitPolicy
// (which destinations this relay will connect to on a client's behalf).
type Policy struct {
	rules []PolicyRule
}

// ParsePolicy parses a torrc-style policy directive list, e.g.
// []string{"accept 127.0.0.1/32", "reject *"}.
func ParsePolicy(entries []string) (*Policy, error) {
	p := &Policy{}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		fields := strings.Fields(e)
		if len(fields) != 2 {
			return nil, fmt.Errorf("invalid policy entry %q: want \"accept|reject spec\"", e)
		}

		var action PolicyAction
		switch strings.ToLower(fields[0]) {
		case "accept":
			action = PolicyAccept
		case "reject":
			action = PolicyReject
		default:
			return nil, fmt.Errorf("invalid policy action %q in %q", fields[0], e)
		}

		network, lo, hi, err := parseAddrPortSpec(fields[1])
		if err != nil {
			return nil, fmt.Errorf("invalid policy entry %q: %w", e, err)
		}
		p.rules = append(p.rules, PolicyRule{Action: action, network: network, portLo: lo, portHi: hi})
	}
	return p, nil
}

// Permits reports whether the policy allows a connection to ip:port. The
// first matching rule wins; with no match the policy defaults to reject,
// mirroring Tor's implicit trailing "reject *:*".
func (p *Policy) Permits(ip net.IP, port uint16) bool {
	for _, r := range p.rules {
		if addrPortMatches(r.network, r.portLo, r.portHi, ip, port) {
			return r.Action == PolicyAccept
		}
	}
	return false
}
