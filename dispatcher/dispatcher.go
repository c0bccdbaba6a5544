package dispatcher

import (
	log "github.com/sirupsen/logrus"

	"github.com/veilmesh/veilmesh/core"
	"github.com/veilmesh/veilmesh/mempool"
	"github.com/veilmesh/veilmesh/p2p"
)

var logger *log.Entry = log.WithFields(log.Fields{"prefix": "dispatcher"})

// Dispatcher relays encrypted transaction envelopes between the local mempool
// and the network, so every validator's pool holds the entries the next
// leader will reveal.
type Dispatcher struct {
	network p2p.Network
	mempool *mempool.Mempool
}

// NewDispatcher creates an instance of Dispatcher and registers it on the
// network.
func NewDispatcher(network p2p.Network, mempool *mempool.Mempool) *Dispatcher {
	dp := &Dispatcher{
		network: network,
		mempool: mempool,
	}
	network.AddMessageHandler(dp)
	return dp
}

// SubmitTx admits a locally submitted envelope and gossips it to peers.
// Admission errors are returned to the submitter and nothing is broadcast.
func (dp *Dispatcher) SubmitTx(tx *core.EncryptedTx) error {
	if err := dp.mempool.Submit(tx); err != nil {
		return err
	}
	return dp.network.Broadcast(p2p.Message{Content: *tx})
}

// HandleMessage implements the p2p.MessageHandler interface, admitting
// envelopes relayed by peers. Duplicates and rejections are expected here
// and only logged.
func (dp *Dispatcher) HandleMessage(peerID string, msg p2p.Message) {
	tx, ok := msg.Content.(core.EncryptedTx)
	if !ok {
		return
	}
	if err := dp.mempool.Submit(&tx); err != nil {
		logger.WithFields(log.Fields{"txID": tx.TxID.Hex(), "peer": peerID, "err": err}).
			Debug("Dropped relayed envelope")
	}
}
