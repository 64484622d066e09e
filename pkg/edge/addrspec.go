// Package edge implements the entry- and exit-edge orchestrators that sit
// between a circuit's stream glue (pkg/stream, pkg/circuit) and the outside
// world: SOCKS-side circuit acquisition and retry on the entry side, and
// policy/redirect-checked TCP dialing plus DNS resolution on the exit side.
package edge

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// parseAddrPortSpec parses a torrc-style "addr[/bits][:port[-porthigh]]"
// specification into a network (nil for the "*" wildcard) and an inclusive
// port range. Shared by the address-policy parser and the redirect-table
// parser, since both torrc directives (SocksPolicy/ExitPolicy and
// RedirectExit) use the same pattern syntax.
func parseAddrPortSpec(spec string) (network *net.IPNet, portLo, portHi int, err error) {
	addrSpec, portSpec := spec, "*"
	if idx := strings.LastIndex(spec, ":"); idx >= 0 {
		addrSpec, portSpec = spec[:idx], spec[idx+1:]
	}

	if addrSpec != "*" {
		if !strings.Contains(addrSpec, "/") {
			ip := net.ParseIP(addrSpec)
			if ip == nil {
				return nil, 0, 0, fmt.Errorf("invalid address %q", addrSpec)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			addrSpec = fmt.Sprintf("%s/%d", addrSpec, bits)
		}
		_, n, cidrErr := net.ParseCIDR(addrSpec)
		if cidrErr != nil {
			return nil, 0, 0, fmt.Errorf("invalid network %q: %w", addrSpec, cidrErr)
		}
		network = n
	}

	loStr, hiStr := portSpec, portSpec
	if idx := strings.Index(portSpec, "-"); idx >= 0 {
		loStr, hiStr = portSpec[:idx], portSpec[idx+1:]
	}

	portLo, portHi = 1, 65535
	if loStr != "*" {
		v, convErr := strconv.Atoi(loStr)
		if convErr != nil {
			return nil, 0, 0, fmt.Errorf("invalid port %q", loStr)
		}
		portLo, portHi = v, v
	}
	if hiStr != "*" && hiStr != loStr {
		v, convErr := strconv.Atoi(hiStr)
		if convErr != nil {
			return nil, 0, 0, fmt.Errorf("invalid port %q", hiStr)
		}
		portHi = v
	}

	return network, portLo, portHi, nil
}

// addrPortMatches reports whether ip:port falls within network (nil matches
// any address) and the inclusive [portLo, portHi] range.
func addrPortMatches(network *net.IPNet, portLo, portHi int, ip net.IP, port uint16) bool {
	if network != nil && !network.Contains(ip) {
		return false
	}
	p := int(port)
	return p >= portLo && p <= portHi
}
