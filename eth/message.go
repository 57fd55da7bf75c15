package eth

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/rlp"
)

// Msg is one decoded protocol message: a code plus its still-RLP-encoded
// payload, mirroring devp2p's p2p.Msg without pulling in the p2p package
// (streams here ride over p2p/muxer, not p2p.MsgReadWriter).
type Msg struct {
	Code    uint64
	Size    uint32
	Payload []byte
}

// Decode RLP-decodes the message payload into val.
func (m Msg) Decode(val interface{}) error {
	if err := rlp.DecodeBytes(m.Payload, val); err != nil {
		return errResp(ErrDecode, "%v", err)
	}
	return nil
}

func (m Msg) String() string {
	return fmt.Sprintf("msg #%d (%d bytes)", m.Code, m.Size)
}

// send writes one message to w as len(frame)(4 BE) ‖ rlp(code) ‖ payload,
// where frame = rlp(code) ‖ payload. The explicit length prefix lets
// readMsg read an exact message boundary off the raw byte stream that
// p2p/muxer.Stream exposes.
func send(w io.Writer, code uint64, data interface{}) error {
	payload, err := rlp.EncodeToBytes(data)
	if err != nil {
		return err
	}
	codeBytes, err := rlp.EncodeToBytes(code)
	if err != nil {
		return err
	}
	frame := append(codeBytes, payload...)
	if len(frame) > protocolMaxMsgSize {
		return errResp(ErrMsgTooLarge, "%v > %v", len(frame), protocolMaxMsgSize)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// readMsg blocks for the next full message on r.
func readMsg(r io.Reader) (Msg, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Msg{}, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > protocolMaxMsgSize {
		return Msg{}, errResp(ErrMsgTooLarge, "%v > %v", size, protocolMaxMsgSize)
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		return Msg{}, err
	}
	code, consumed, err := decodeRLPUint(frame)
	if err != nil {
		return Msg{}, errResp(ErrDecode, "%v", err)
	}
	return Msg{Code: code, Size: size, Payload: frame[consumed:]}, nil
}

// decodeRLPUint decodes the minimal RLP prefix of data that encodes a
// uint64 (the message code), returning the value and bytes consumed.
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
