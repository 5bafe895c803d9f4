// internal/protocol/session.go - Server side of the version handshake
package protocol

import (
	"errors"
	"fmt"
)

var ErrVersionMismatch = errors.New("protocol version mismatch")

// Negotiate reads the client's VERSION packet and answers it. The returned
// version is the one both sides use for the rest of the session. A client
// declaring a newer version is sent VERSION_MISMATCH and a ProtocolError is
// returned so the caller drops the connection.
func Negotiate(s Stream, p *Packet) (uint32, error) {
	if err := p.Read(s); err != nil {
		return 0, err
	}
	if p.Opcode() != OpVersion || p.Len() != 4 {
		return 0, &ProtocolError{
			FD:  s.FD(),
			Msg: fmt.Sprintf("expected version packet, got %s with %d byte payload", p.Opcode(), p.Len()),
		}
	}

	clientVersion, _ := p.Uint32()
	if clientVersion > Version {
		p.ResetResult(ResultVersionMismatch)
		p.PutUint32(Version)
		if err := p.Write(s); err != nil {
			return 0, err
		}
		return 0, &ProtocolError{
			FD:  s.FD(),
			Msg: fmt.Sprintf("client version %#x is newer than %#x", clientVersion, Version),
			Err: ErrVersionMismatch,
		}
	}

	p.ResetResult(ResultOK)
	if err := p.Write(s); err != nil {
		return 0, err
	}
	return Version, nil
}
