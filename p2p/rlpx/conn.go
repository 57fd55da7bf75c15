package rlpx

import (
	"crypto/ecdsa"
	"net"
)

// State names the per-connection handshake state machine (design note:
// "convert the existing promise-based handshake drivers into explicit
// per-connection state machines: Idle → AwaitAuth → AwaitAck → Framed").
type State int

const (
	StateIdle State = iota
	StateAwaitAuth
	StateAwaitAck
	StateFramed
)

// Dial performs the initiator side of the handshake over an already-
// connected TCP socket and returns a framed Conn ready for stream muxing.
func Dial(nc net.Conn, localStatic *ecdsa.PrivateKey, remoteStatic *ecdsa.PublicKey, requireEIP8 bool) (*Conn, error) {
	secrets, _, err := Handshake(nc, localStatic, remoteStatic, true, requireEIP8)
	if err != nil {
		return nil, err
	}
	return NewConn(nc, secrets)
}

// Accept performs the responder side of the handshake and returns the
// remote peer's static public key alongside the framed Conn, since the
// responder only learns that key from the incoming AUTH message.
func Accept(nc net.Conn, localStatic *ecdsa.PrivateKey, requireEIP8 bool) (*Conn, *ecdsa.PublicKey, error) {
	secrets, remoteStatic, err := Handshake(nc, localStatic, nil, false, requireEIP8)
	if err != nil {
		return nil, nil, err
	}
	conn, err := NewConn(nc, secrets)
	if err != nil {
		return nil, nil, err
	}
	return conn, remoteStatic, nil
}
