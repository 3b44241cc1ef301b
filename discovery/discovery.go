// Package discovery implements the UDP handshake that lets an operator client
// find host agents on the local network.
//
// The client broadcasts the fixed token DISCOVER_OS_OVERVIEW; every agent
// whose responder receives exactly those bytes unicasts back
// "OS_OVERVIEW:<tcp port>". The client pairs that port with the reply's source
// address. Anything else is ignored on both sides.
package discovery

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
)

const (
	// Token is the exact request payload.
	Token = "DISCOVER_OS_OVERVIEW"
	// ReplyPrefix precedes the decimal TCP port in a reply.
	ReplyPrefix = "OS_OVERVIEW:"

	// DefaultPort is the UDP port responders bind and requesters target.
	DefaultPort = 45454
	// DefaultAgentPort is the TCP port agents listen on unless configured otherwise.
	DefaultAgentPort = 12345
)

var ErrMalformedReply = errors.New("discovery: malformed reply")

// Record is one discovered agent. Records are rebuilt from scratch by every
// discovery round.
type Record struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// Addr returns the agent's TCP endpoint in host:port form.
func (r Record) Addr() string {
	return net.JoinHostPort(r.Address, strconv.Itoa(r.Port))
}

func (r Record) String() string {
	return r.Addr()
}

// IsRequest reports whether payload is exactly the discovery token.
func IsRequest(payload []byte) bool {
	return string(payload) == Token
}

// Reply returns the reply payload advertising port.
func Reply(port int) []byte {
	return []byte(ReplyPrefix + strconv.Itoa(port))
}

// ParseReply extracts the port from a reply. The payload must be the prefix
// followed only by decimal digits forming a port in 1..65535.
func ParseReply(payload []byte) (int, error) {
	digits, ok := bytes.CutPrefix(payload, []byte(ReplyPrefix))
	if !ok {
		return 0, fmt.Errorf("%w: missing prefix", ErrMalformedReply)
	}
	if len(digits) == 0 || len(digits) > 5 {
		return 0, fmt.Errorf("%w: port %q", ErrMalformedReply, digits)
	}
	port := 0
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: port %q", ErrMalformedReply, digits)
		}
		port = port*10 + int(c-'0')
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("%w: port %d out of range", ErrMalformedReply, port)
	}
	return port, nil
}
