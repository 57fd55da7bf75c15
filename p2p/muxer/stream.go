package muxer

import (
	"bytes"
	"sync"
)

// streamState names the per-stream lifecycle of §4.3: "open →
// (half-closed-read | half-closed-write) → closed | reset".
type streamState int

const (
	stateOpen streamState = iota
	stateHalfClosedRead  // local side has closed its write half; peer may still send
	stateHalfClosedWrite // peer closed its write half; local side may still send
	stateClosed
	stateReset
)

// Stream is one multiplexed, bidirectional byte stream within a Session.
// local is true when this side sent the original NEW_STREAM.
type Stream struct {
	session  *Session
	id       uint64
	local    bool
	protocol string

	mu      sync.Mutex
	state   streamState
	buf     bytes.Buffer
	readErr error
	notify  chan struct{}
}

func newStream(s *Session, id uint64, local bool) *Stream {
	return &Stream{
		session: s,
		id:      id,
		local:   local,
		state:   stateOpen,
		notify:  make(chan struct{}, 1),
	}
}

// Protocol returns the early protocol name carried in NEW_STREAM, if any.
func (st *Stream) Protocol() string { return st.protocol }

// ID returns the stream's multiplexer id.
func (st *Stream) ID() uint64 { return st.id }

func (st *Stream) wake() {
	select {
	case st.notify <- struct{}{}:
	default:
	}
}

// deliver is called from the session's read loop with a data payload.
func (st *Stream) deliver(data []byte) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.state == stateClosed || st.state == stateReset || st.state == stateHalfClosedWrite {
		return nil // peer already told us it won't read/write further, or we're fully done
	}
	if st.buf.Len()+len(data) > maxReadBuffer {
		st.mu.Unlock()
		st.session.sendReset(st.id, st.local)
		st.mu.Lock()
		st.readErr = errStreamOverflow
		st.state = stateReset
		st.wake()
		return errStreamOverflow
	}
	st.buf.Write(data)
	st.wake()
	return nil
}

// closeRemote marks the peer's write half as finished (CLOSE frame
// received): reads drain the buffer then return io.EOF-equivalent.
func (st *Stream) closeRemote() {
	st.mu.Lock()
	defer st.mu.Unlock()
	switch st.state {
	case stateOpen:
		st.state = stateHalfClosedWrite
	case stateHalfClosedRead:
		st.state = stateClosed
		st.session.removeStream(st.id)
	}
	st.wake()
}

// closeLocal forcibly ends the stream with err (session teardown, reset,
// or overflow) without sending anything further.
func (st *Stream) closeLocal(err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.state == stateClosed || st.state == stateReset {
		return
	}
	st.readErr = err
	st.state = stateReset
	st.wake()
}

// Read blocks until data is available, the peer closes its write half, or
// the stream is reset/the session tears down.
func (st *Stream) Read(p []byte) (int, error) {
	for {
		st.mu.Lock()
		if st.buf.Len() > 0 {
			n, _ := st.buf.Read(p)
			st.mu.Unlock()
			return n, nil
		}
		if st.state == stateClosed || st.state == stateHalfClosedWrite {
			err := st.readErr
			st.mu.Unlock()
			if err == nil {
				err = errStreamClosed
			}
			return 0, err
		}
		if st.state == stateReset {
			err := st.readErr
			st.mu.Unlock()
			if err == nil {
				err = errStreamReset
			}
			return 0, err
		}
		st.mu.Unlock()
		<-st.notify
	}
}

// Write sends data over the stream's write half. Writes after the local
// write half has closed return errStreamClosed; this is a synchronous
// send-and-frame call rather than a buffered one, so "blocks until the
// underlying frame transport signals drain" (§4.3) is satisfied by
// WriteMsg itself blocking on the socket.
func (st *Stream) Write(p []byte) (int, error) {
	st.mu.Lock()
	switch st.state {
	case stateClosed, stateReset, stateHalfClosedRead:
		st.mu.Unlock()
		return 0, errStreamClosed
	}
	st.mu.Unlock()

	if err := st.session.sendData(st.id, st.local, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the local write half and, once both halves are closed,
// retires the stream from the session's table.
func (st *Stream) Close() error {
	st.mu.Lock()
	switch st.state {
	case stateClosed, stateReset:
		st.mu.Unlock()
		return nil
	case stateOpen:
		st.state = stateHalfClosedRead
	case stateHalfClosedWrite:
		st.state = stateClosed
	}
	done := st.state == stateClosed
	st.mu.Unlock()

	if err := st.session.sendClose(st.id, st.local); err != nil {
		return err
	}
	if done {
		st.session.removeStream(st.id)
	}
	return nil
}

// Reset aborts the stream immediately in both directions.
func (st *Stream) Reset() error {
	st.mu.Lock()
	if st.state == stateClosed || st.state == stateReset {
		st.mu.Unlock()
		return nil
	}
	st.state = stateReset
	st.readErr = errStreamReset
	st.mu.Unlock()
	st.wake()

	st.session.removeStream(st.id)
	return st.session.sendReset(st.id, st.local)
}
