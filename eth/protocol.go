// Package eth implements the ETH wire subprotocol of §4.4: the STATUS
// handshake, block/transaction propagation, and request/response
// message dispatch, running over a negotiated p2p/muxer.Stream.
package eth

import "fmt"

// ProtocolName is the negotiated protocol family; concrete versions are
// offered during multistream selection as "/eth/<version>/1.0.0".
const ProtocolName = "eth"

// ProtocolVersions lists the versions this package speaks, newest first so
// callers offering multiple candidates prefer the newest during selection.
var ProtocolVersions = []uint{68, 67, 66}

// ProtocolString returns the multistream-select candidate string for a
// given protocol version, e.g. "/eth/68/1.0.0".
func ProtocolString(version uint) string {
	return fmt.Sprintf("/eth/%d/1.0.0", version)
}

// Message codes (§4.4 "Message codes").
const (
	StatusMsg                    = 0x00
	NewBlockHashesMsg             = 0x01
	TransactionsMsg               = 0x02
	GetBlockHeadersMsg            = 0x03
	BlockHeadersMsg               = 0x04
	GetBlockBodiesMsg             = 0x05
	BlockBodiesMsg                = 0x06
	NewBlockMsg                   = 0x07
	NewPooledTransactionHashesMsg = 0x08
	GetPooledTransactionsMsg      = 0x09
	PooledTransactionsMsg         = 0x0a
	GetReceiptsMsg                = 0x0f
	ReceiptsMsg                   = 0x10
)

// protocolMaxMsgSize bounds a single decoded message, guarding against a
// hostile or corrupt length prefix.
const protocolMaxMsgSize = 10 * 1024 * 1024

// softResponseLimit is the target maximum size of a served batch response
// (headers/bodies/receipts), matching the teacher's serving limits.
const softResponseLimit = 2 * 1024 * 1024

const (
	maxHeadersServe = 1024
	maxBodiesServe  = 1024
	maxReceiptsServe = 1024
)

// Error codes returned by errResp, reported to peers only via disconnect
// reason and logged locally.
const (
	ErrMsgTooLarge = iota
	ErrDecode
	ErrInvalidMsgCode
	ErrProtocolVersionMismatch
	ErrNetworkIDMismatch
	ErrGenesisMismatch
	ErrNoStatusMsg
	ErrExtraStatusMsg
	ErrInvalidTD
)

var errorToString = map[int]string{
	ErrMsgTooLarge:             "message too long",
	ErrDecode:                  "invalid message",
	ErrInvalidMsgCode:          "invalid message code",
	ErrProtocolVersionMismatch: "protocol version mismatch",
	ErrNetworkIDMismatch:       "network ID mismatch",
	ErrGenesisMismatch:         "genesis block mismatch",
	ErrNoStatusMsg:             "first message was not a status message",
	ErrExtraStatusMsg:          "extra status message",
	ErrInvalidTD:               "invalid total difficulty",
}

// protoError is a structured protocol violation, matching the teacher's
// errResp/errCode convention.
type protoError struct {
	code    int
	message string
}

func (e *protoError) Error() string { return e.message }

func errResp(code int, format string, v ...interface{}) *protoError {
	name, ok := errorToString[code]
	if !ok {
		name = "unknown error"
	}
	return &protoError{code: code, message: fmt.Sprintf("%s: "+format, append([]interface{}{name}, v...)...)}
}
