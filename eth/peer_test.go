package eth

import (
	"math/big"
	"net"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
)

// TestRequestHeadersByNumberCorrelatesResponse exercises the full
// request/response correlation path (§4.4): a request carries a fresh
// reqId, the simulated remote echoes it back in its response, and a
// goroutine standing in for the handler's read loop (Handler.handleBlockHeaders
// in production) routes that response back to the blocked caller via
// Peer.deliverResponse.
func TestRequestHeadersByNumberCorrelatesResponse(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	peer := NewPeer("peer-1", 68, clientConn)
	defer peer.Close()

	remoteDone := make(chan error, 1)
	go func() {
		msg, err := readMsg(serverConn)
		if err != nil {
			remoteDone <- err
			return
		}
		if msg.Code != GetBlockHeadersMsg {
			remoteDone <- errUnexpectedCode(msg.Code)
			return
		}
		var req getBlockHeadersPacket66
		if err := msg.Decode(&req); err != nil {
			remoteDone <- err
			return
		}
		resp := &blockHeadersPacket66{
			RequestId: req.RequestId,
			Headers:   []*types.Header{{Number: big.NewInt(5)}},
		}
		remoteDone <- send(serverConn, BlockHeadersMsg, resp)
	}()

	dispatchDone := make(chan error, 1)
	go func() {
		msg, err := peer.readMsg()
		if err != nil {
			dispatchDone <- err
			return
		}
		var resp blockHeadersPacket66
		if err := msg.Decode(&resp); err != nil {
			dispatchDone <- err
			return
		}
		peer.deliverResponse(resp.RequestId, resp.Headers)
		dispatchDone <- nil
	}()

	headers, err := peer.RequestHeadersByNumber(5, 1, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(headers) != 1 || headers[0].Number.Int64() != 5 {
		t.Fatalf("unexpected headers: %+v", headers)
	}
	if err := <-remoteDone; err != nil {
		t.Fatalf("remote side: %v", err)
	}
	if err := <-dispatchDone; err != nil {
		t.Fatalf("dispatch side: %v", err)
	}
}

// TestDeliverResponseDropsUnsolicited confirms a response with no
// matching pending request is reported as undelivered rather than
// panicking or blocking.
func TestDeliverResponseDropsUnsolicited(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()
	peer := NewPeer("peer-1", 68, clientConn)
	defer peer.Close()

	if peer.deliverResponse(999, []*types.Header{}) {
		t.Fatal("expected deliverResponse to report no waiter for an unregistered reqId")
	}
}

type errUnexpectedCode uint64

func (e errUnexpectedCode) Error() string { return "unexpected message code" }
