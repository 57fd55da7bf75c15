// Package muxer implements the stream multiplexer of §4.3: independent
// streams interleaved over a single authenticated frame transport
// (p2p/rlpx.Conn), plus the line-based interactive protocol selector used
// to negotiate a subprotocol on each newly opened stream.
//
// There is no third-party multiplexer library in play here (design note:
// "Stream multiplexer protocol negotiation is best expressed as a
// co-routine reading a line-terminated protocol, avoiding the need for a
// second framing layer above the muxer") — this package is the one place
// in the module built directly on the standard library, by necessity
// rather than preference.
package muxer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// msgType is the low 3 bits of a multiplexer header varint.
type msgType uint8

const (
	typeNewStream msgType = iota
	typeMsgRecv
	typeMsgInit
	typeCloseRecv
	typeCloseInit
	typeResetRecv
	typeResetInit
)

const (
	// maxReadBuffer bounds how much unread data a single stream may
	// accumulate before Read starts returning errStreamOverflow.
	maxReadBuffer = 4 * 1024 * 1024
	// maxPendingStreams bounds how many NEW_STREAM messages may sit
	// unaccepted before the session aborts.
	maxPendingStreams = 10
)

var (
	errSessionClosed  = errors.New("muxer: session closed")
	errStreamClosed   = errors.New("muxer: stream closed")
	errStreamReset    = errors.New("muxer: stream reset")
	errStreamOverflow = errors.New("muxer: stream read buffer overflow")
	errTooManyPending = errors.New("muxer: too many pending streams")
)

// frameWriter is the minimal surface the muxer needs from the underlying
// transport (*p2p/rlpx.Conn satisfies it directly).
type frameWriter interface {
	WriteMsg(code uint64, payload []byte) error
	ReadMsg() (code uint64, payload []byte, err error)
}

// Session multiplexes many Streams over one frameWriter. Exactly one
// session exists per underlying connection.
type Session struct {
	fw frameWriter

	mu       sync.Mutex
	streams  map[uint64]*Stream
	nextID   uint64 // next stream id this side will allocate (odd/even split)
	closed   bool
	closeErr error

	accept  chan *Stream
	pending int

	initiator bool
}

// NewSession wraps fw (typically an rlpx.Conn) and starts its receive loop.
// initiator determines the stream-id parity this side allocates: odd ids
// for the dialer, even ids for the listener, so both sides can pick ids
// independently without colliding.
func NewSession(fw frameWriter, initiator bool) *Session {
	s := &Session{
		fw:        fw,
		streams:   make(map[uint64]*Stream),
		accept:    make(chan *Stream, maxPendingStreams),
		initiator: initiator,
	}
	if initiator {
		s.nextID = 1
	} else {
		s.nextID = 2
	}
	go s.readLoop()
	return s
}

// OpenStream allocates a new stream id, sends NEW_STREAM with the given
// early protocol name (may be empty), and returns the local Stream handle.
func (s *Session) OpenStream(protocol string) (*Stream, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errSessionClosed
	}
	id := s.nextID
	s.nextID += 2
	st := newStream(s, id, true)
	s.streams[id] = st
	s.mu.Unlock()

	if err := s.writeFrame(id, typeNewStream, []byte(protocol)); err != nil {
		return nil, err
	}
	return st, nil
}

// AcceptStream blocks until the peer opens a new stream or the session
// closes.
func (s *Session) AcceptStream() (*Stream, error) {
	st, ok := <-s.accept
	if !ok {
		s.mu.Lock()
		err := s.closeErr
		s.mu.Unlock()
		if err == nil {
			err = errSessionClosed
		}
		return nil, err
	}
	s.mu.Lock()
	if s.pending > 0 {
		s.pending--
	}
	s.mu.Unlock()
	return st, nil
}

// Close tears down every open stream and the session itself.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.closeErr = errSessionClosed
	streams := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	for _, st := range streams {
		st.closeLocal(errSessionClosed)
	}
	close(s.accept)
	return nil
}

func (s *Session) writeFrame(id uint64, t msgType, payload []byte) error {
	header := id<<3 | uint64(t)
	buf := make([]byte, 0, binary.MaxVarintLen64*2+len(payload))
	buf = appendUvarint(buf, header)
	buf = appendUvarint(buf, uint64(len(payload)))
	buf = append(buf, payload...)
	return s.fw.WriteMsg(0, buf)
}

func appendUvarint(buf []byte, v uint64) []byte {
	tmp := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(tmp, v)
	return append(buf, tmp[:n]...)
}

// readLoop pulls frames off the underlying transport and dispatches them
// to the right stream (or handles session-level events) until the
// transport errors out.
func (s *Session) readLoop() {
	for {
		_, payload, err := s.fw.ReadMsg()
		if err != nil {
			s.teardown(err)
			return
		}
		if err := s.dispatch(payload); err != nil {
			s.teardown(err)
			return
		}
	}
}

func (s *Session) dispatch(payload []byte) error {
	header, n := binary.Uvarint(payload)
	if n <= 0 {
		return fmt.Errorf("muxer: malformed header varint")
	}
	payload = payload[n:]
	length, n := binary.Uvarint(payload)
	if n <= 0 {
		return fmt.Errorf("muxer: malformed length varint")
	}
	payload = payload[n:]
	if uint64(len(payload)) < length {
		return fmt.Errorf("muxer: truncated frame, want %d got %d", length, len(payload))
	}
	body := payload[:length]

	id := header >> 3
	t := msgType(header & 0x7)

	switch t {
	case typeNewStream:
		return s.handleNewStream(id, body)
	case typeMsgInit, typeMsgRecv:
		return s.handleData(id, body)
	case typeCloseInit, typeCloseRecv:
		return s.handleClose(id)
	case typeResetInit, typeResetRecv:
		return s.handleReset(id)
	default:
		return fmt.Errorf("muxer: unknown frame type %d", t)
	}
}

func (s *Session) handleNewStream(id uint64, protocol []byte) error {
	s.mu.Lock()
	if _, exists := s.streams[id]; exists {
		s.mu.Unlock()
		return fmt.Errorf("muxer: duplicate stream id %d", id)
	}
	if s.pending >= maxPendingStreams {
		s.mu.Unlock()
		return errTooManyPending
	}
	st := newStream(s, id, false)
	st.protocol = string(protocol)
	s.streams[id] = st
	s.pending++
	s.mu.Unlock()

	select {
	case s.accept <- st:
	default:
		// Accept queue briefly full; the blocking send below enforces the
		// pending cap rather than dropping the stream.
		s.accept <- st
	}
	return nil
}

func (s *Session) handleData(id uint64, data []byte) error {
	s.mu.Lock()
	st := s.streams[id]
	s.mu.Unlock()
	if st == nil {
		return nil // frame for a stream we've already closed; ignore
	}
	return st.deliver(data)
}

func (s *Session) handleClose(id uint64) error {
	s.mu.Lock()
	st := s.streams[id]
	s.mu.Unlock()
	if st == nil {
		return nil
	}
	st.closeRemote()
	return nil
}

func (s *Session) handleReset(id uint64) error {
	s.mu.Lock()
	st := s.streams[id]
	delete(s.streams, id)
	s.mu.Unlock()
	if st == nil {
		return nil
	}
	st.closeLocal(errStreamReset)
	return nil
}

func (s *Session) removeStream(id uint64) {
	s.mu.Lock()
	delete(s.streams, id)
	s.mu.Unlock()
}

func (s *Session) teardown(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeErr = err
	streams := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	for _, st := range streams {
		st.closeLocal(err)
	}
	close(s.accept)
}

// sendData is used by Stream.Write to emit a MSG_INIT/MSG_RECV frame.
func (s *Session) sendData(id uint64, local bool, data []byte) error {
	t := typeMsgRecv
	if local {
		t = typeMsgInit
	}
	return s.writeFrame(id, t, data)
}

func (s *Session) sendClose(id uint64, local bool) error {
	t := typeCloseRecv
	if local {
		t = typeCloseInit
	}
	return s.writeFrame(id, t, nil)
}

func (s *Session) sendReset(id uint64, local bool) error {
	t := typeResetRecv
	if local {
		t = typeResetInit
	}
	return s.writeFrame(id, t, nil)
}

var _ io.Closer = (*Session)(nil)
