package rlpx

import (
	"crypto/cipher"
	"crypto/subtle"
	"errors"
	"io"
	"net"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/quartzchain/quartz/cryptox"
)

var (
	ErrMACMismatch = errors.New("rlpx: MAC mismatch")
	ErrFrameTooBig = errors.New("rlpx: frame size exceeds limit")
)

// MaxFrameSize bounds a single frame's declared body size, guarding against
// a truncated/hostile length field (§4.2 Failure model: "aborts the
// connection immediately").
const MaxFrameSize = 16 * 1024 * 1024

// Conn is a single authenticated, framed connection: one egress AES-256-CTR
// stream + MAC, one ingress stream + MAC, sharing the same underlying
// net.Conn (§4.2, §4.3).
type Conn struct {
	nc net.Conn

	egressStream  cipher.Stream
	ingressStream cipher.Stream
	egressMAC     *cryptox.HashMAC
	ingressMAC    *cryptox.HashMAC
}

// NewConn wraps nc with the secrets derived from a completed handshake.
func NewConn(nc net.Conn, s *Secrets) (*Conn, error) {
	egressStream, err := cryptox.NewCTRStream(s.AES)
	if err != nil {
		return nil, err
	}
	ingressStream, err := cryptox.NewCTRStream(s.AES)
	if err != nil {
		return nil, err
	}
	return &Conn{
		nc:            nc,
		egressStream:  egressStream,
		ingressStream: ingressStream,
		egressMAC:     s.EgressMAC,
		ingressMAC:    s.IngressMAC,
	}, nil
}

// WriteMsg encrypts and frames one message: header(16)‖headerMAC(16)‖
// body(padded to 16)‖bodyMAC(16), per §4.2.
func (c *Conn) WriteMsg(code uint64, payload []byte) error {
	codeBytes, err := rlp.EncodeToBytes(code)
	if err != nil {
		return err
	}
	body := append(codeBytes, payload...)
	size := len(body)
	if padded := roundUp16(size); padded != size {
		body = append(body, make([]byte, padded-size)...)
	}

	headerPlain := make([]byte, 16)
	headerPlain[0] = byte(size >> 16)
	headerPlain[1] = byte(size >> 8)
	headerPlain[2] = byte(size)
	zeroList, _ := rlp.EncodeToBytes([2]uint{0, 0})
	copy(headerPlain[3:], zeroList)

	headerCipher := make([]byte, 16)
	c.egressStream.XORKeyStream(headerCipher, headerPlain)
	headerMAC := c.egressMAC.ComputeHeader(headerCipher)

	bodyCipher := make([]byte, len(body))
	c.egressStream.XORKeyStream(bodyCipher, body)
	bodyMAC := c.egressMAC.ComputeFrame(bodyCipher)

	frame := make([]byte, 0, 16+16+len(bodyCipher)+16)
	frame = append(frame, headerCipher...)
	frame = append(frame, headerMAC...)
	frame = append(frame, bodyCipher...)
	frame = append(frame, bodyMAC...)

	_, err = c.nc.Write(frame)
	return err
}

// ReadMsg decrypts and verifies the next frame, returning the message code
// and the RLP-encoded payload that followed it.
func (c *Conn) ReadMsg() (code uint64, payload []byte, err error) {
	headerCipher := make([]byte, 16)
	if _, err := io.ReadFull(c.nc, headerCipher); err != nil {
		return 0, nil, err
	}
	wantMAC := make([]byte, 16)
	if _, err := io.ReadFull(c.nc, wantMAC); err != nil {
		return 0, nil, err
	}
	gotMAC := c.ingressMAC.ComputeHeader(headerCipher)
	if subtle.ConstantTimeCompare(wantMAC, gotMAC) != 1 {
		return 0, nil, ErrMACMismatch
	}

	headerPlain := make([]byte, 16)
	c.ingressStream.XORKeyStream(headerPlain, headerCipher)
	size := int(headerPlain[0])<<16 | int(headerPlain[1])<<8 | int(headerPlain[2])
	if size > MaxFrameSize {
		return 0, nil, ErrFrameTooBig
	}
	padded := roundUp16(size)

	bodyCipher := make([]byte, padded)
	if _, err := io.ReadFull(c.nc, bodyCipher); err != nil {
		return 0, nil, err
	}
	bodyWantMAC := make([]byte, 16)
	if _, err := io.ReadFull(c.nc, bodyWantMAC); err != nil {
		return 0, nil, err
	}
	bodyGotMAC := c.ingressMAC.ComputeFrame(bodyCipher)
	if subtle.ConstantTimeCompare(bodyWantMAC, bodyGotMAC) != 1 {
		return 0, nil, ErrMACMismatch
	}

	bodyPlain := make([]byte, padded)
	c.ingressStream.XORKeyStream(bodyPlain, bodyCipher)
	bodyPlain = bodyPlain[:size]

	code, consumed, err := decodeRLPUint(bodyPlain)
	if err != nil {
		return 0, nil, err
	}
	return code, bodyPlain[consumed:], nil
}

// decodeRLPUint decodes the minimal prefix of data that RLP-encodes a
// uint64 (the message code), returning the value and the number of bytes it
// occupied so the remainder can be sliced off as the payload.
func decodeRLPUint(data []byte) (value uint64, consumed int, err error) {
	if len(data) == 0 {
		return 0, 0, io.ErrUnexpectedEOF
	}
	if data[0] < 0x80 {
		return uint64(data[0]), 1, nil
	}
	n := int(data[0] - 0x80)
	if len(data) < 1+n {
		return 0, 0, io.ErrUnexpectedEOF
	}
	var v uint64
	for _, b := range data[1 : 1+n] {
		v = v<<8 | uint64(b)
	}
	return v, 1 + n, nil
}

func roundUp16(n int) int {
	if n%16 == 0 {
		return n
	}
	return n + (16 - n%16)
}
