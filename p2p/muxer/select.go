package muxer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// protocolHeader is the fixed handshake line exchanged before either side
// proposes a protocol (§4.3 "Protocol negotiation").
const protocolHeader = "/multistream-select/1.0.0"

// naResponse is sent back when a proposed protocol is rejected.
const naResponse = "na"

var (
	errNoProtocol     = errors.New("muxer: no protocol accepted")
	errBadHandshake   = errors.New("muxer: peer sent unexpected handshake line")
	errEmptyCandidate = errors.New("muxer: empty protocol candidate")
)

// SelectProtocol runs the initiator side of protocol negotiation over rw,
// offering candidates in order until one is accepted or the list is
// exhausted. When len(candidates) == 1 the header and the sole candidate
// are pipelined into a single write (optimistic select), matching "the
// selector may pipeline the header and the first candidate in one message
// when the caller advertises a single protocol."
func SelectProtocol(rw io.ReadWriter, candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", errEmptyCandidate
	}
	r := bufio.NewReader(rw)

	if len(candidates) == 1 {
		if err := writeLines(rw, protocolHeader, candidates[0]); err != nil {
			return "", err
		}
	} else {
		if err := writeLine(rw, protocolHeader); err != nil {
			return "", err
		}
	}

	line, err := readLine(r)
	if err != nil {
		return "", err
	}
	if line != protocolHeader {
		return "", errBadHandshake
	}

	if len(candidates) == 1 {
		resp, err := readLine(r)
		if err != nil {
			return "", err
		}
		if resp == candidates[0] {
			return candidates[0], nil
		}
		writeLine(rw, "") // tell the responder no further candidates follow
		return "", errNoProtocol
	}

	for _, proto := range candidates {
		if err := writeLine(rw, proto); err != nil {
			return "", err
		}
		resp, err := readLine(r)
		if err != nil {
			return "", err
		}
		if resp == proto {
			return proto, nil
		}
		if resp != naResponse {
			return "", fmt.Errorf("muxer: unexpected response %q", resp)
		}
	}
	writeLine(rw, "") // exhausted every candidate; let the responder stop waiting
	return "", errNoProtocol
}

// HandleSelect runs the responder side: echoes the header, then accepts
// the first candidate present in supported, rejecting the rest with "na".
func HandleSelect(rw io.ReadWriter, supported map[string]bool) (string, error) {
	r := bufio.NewReader(rw)

	line, err := readLine(r)
	if err != nil {
		return "", err
	}
	if line != protocolHeader {
		return "", errBadHandshake
	}
	if err := writeLine(rw, protocolHeader); err != nil {
		return "", err
	}

	for {
		proto, err := readLine(r)
		if err != nil {
			return "", err
		}
		if proto == "" {
			return "", errNoProtocol
		}
		if supported[proto] {
			if err := writeLine(rw, proto); err != nil {
				return "", err
			}
			return proto, nil
		}
		if err := writeLine(rw, naResponse); err != nil {
			return "", err
		}
	}
}

func writeLine(w io.Writer, s string) error {
	_, err := w.Write([]byte(s + "\n"))
	return err
}

func writeLines(w io.Writer, lines ...string) error {
	buf := make([]byte, 0, 64)
	for _, l := range lines {
		buf = append(buf, l...)
		buf = append(buf, '\n')
	}
	_, err := w.Write(buf)
	return err
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return line[:len(line)-1], nil
}
