package model

import (
	"fmt"
	"strings"

	"github.com/wilsonvolker/sofa-registry/pkg/errors"
)

// ConnectIdSplit separates the client and session endpoints in the wire format.
const ConnectIdSplit = "_"

// ConnectId identifies a client connection by its two endpoints. It is the
// unit of session-level liveness: registrations die with their connect id.
type ConnectId struct {
	SourceAddress string
	TargetAddress string
}

// NewConnectId builds a ConnectId from the client and session endpoints.
func NewConnectId(source, target URL) ConnectId {
	return ConnectId{
		SourceAddress: source.AddressString(),
		TargetAddress: target.AddressString(),
	}
}

// String renders the wire format "{srcIp}:{srcPort}_{tgtIp}:{tgtPort}".
func (c ConnectId) String() string {
	return c.SourceAddress + ConnectIdSplit + c.TargetAddress
}

// ParseConnectId parses the wire format back into a ConnectId.
func ParseConnectId(s string) (ConnectId, error) {
	parts := strings.Split(s, ConnectIdSplit)
	if len(parts) != 2 {
		return ConnectId{}, fmt.Errorf("%w: %q", errors.ErrInvalidConnectId, s)
	}
	src, err := ParseURL(parts[0])
	if err != nil {
		return ConnectId{}, fmt.Errorf("%w: %q", errors.ErrInvalidConnectId, s)
	}
	tgt, err := ParseURL(parts[1])
	if err != nil {
		return ConnectId{}, fmt.Errorf("%w: %q", errors.ErrInvalidConnectId, s)
	}
	return NewConnectId(src, tgt), nil
}
