package node

import (
	"encoding/json"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"
)

// DebugAPI exposes a small read-only HTTP surface over the running
// node's peer set and chain head, for operators and integration tests —
// not a JSON-RPC endpoint, just plain GET routes.
type DebugAPI struct {
	node *Node
	log  log.Logger
}

func newDebugAPI(n *Node) *DebugAPI {
	return &DebugAPI{node: n, log: log.New("module", "debugapi")}
}

func (d *DebugAPI) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/peers", d.handlePeers)
	router.GET("/head", d.handleHead)
	router.GET("/txpool", d.handleTxPool)

	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}).Handler(router)
}

type peerInfo struct {
	ID      string `json:"id"`
	Version uint   `json:"version"`
	Head    string `json:"head"`
	TD      string `json:"td"`
}

func (d *DebugAPI) handlePeers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	peers := d.node.handler.PeersSnapshot()
	out := make([]peerInfo, 0, len(peers))
	for _, p := range peers {
		head, td := p.Head()
		out = append(out, peerInfo{ID: p.ID(), Version: p.Version(), Head: head.Hex(), TD: td.String()})
	}
	writeJSON(w, out)
}

type headInfo struct {
	Hash   common.Hash `json:"hash"`
	Number uint64      `json:"number"`
}

func (d *DebugAPI) handleHead(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	head := d.node.chain.CurrentBlock()
	writeJSON(w, headInfo{Hash: head.Hash(), Number: head.NumberU64()})
}

type txPoolStats struct {
	Pending int `json:"pending"`
	Queued  int `json:"queued"`
}

func (d *DebugAPI) handleTxPool(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	pending, queued := d.node.txpool.Stats()
	writeJSON(w, txPoolStats{Pending: pending, Queued: queued})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
