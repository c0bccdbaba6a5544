package node

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/veilmesh/veilmesh/auditlog"
	"github.com/veilmesh/veilmesh/common"
	"github.com/veilmesh/veilmesh/consensus"
	"github.com/veilmesh/veilmesh/core"
	"github.com/veilmesh/veilmesh/crypto"
	"github.com/veilmesh/veilmesh/crypto/bls"
	dp "github.com/veilmesh/veilmesh/dispatcher"
	mp "github.com/veilmesh/veilmesh/mempool"
	"github.com/veilmesh/veilmesh/p2p"
	"github.com/veilmesh/veilmesh/rpc"
	"github.com/veilmesh/veilmesh/store"
	"github.com/veilmesh/veilmesh/store/database"
	"github.com/veilmesh/veilmesh/store/kvstore"
)

var logger *log.Entry = log.WithFields(log.Fields{"prefix": "node"})

// Node assembles the consensus engine, the encrypted mempool, the audit log
// and the RPC server around a shared network and store.
type Node struct {
	Store      store.Store
	Consensus  *consensus.Engine
	Mempool    *mp.Mempool
	KeyManager *mp.KeyManager
	AuditLog   *auditlog.AuditLog
	Dispatcher *dp.Dispatcher
	Network    p2p.Network
	RPC        *rpc.Server

	// Life cycle
	wg     *sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Params bundles the inputs of NewNode.
type Params struct {
	ChainID    string
	PrivateKey *crypto.PrivateKey
	BLSKey     *bls.SecretKey
	Validators *core.ValidatorSet
	Network    p2p.Network
	DB         database.Database
	Authority  mp.RecoveryAuthority
}

// NewNode wires up all sub components.
func NewNode(params *Params) (*Node, error) {
	kv := kvstore.NewKVStore(params.DB)

	authority := params.Authority
	if authority == nil {
		authority = mp.NewMemoryRecoveryAuthority()
	}
	keyManager, err := mp.NewKeyManager(authority)
	if err != nil {
		return nil, err
	}
	pool := mp.CreateMempool(keyManager)
	auditLog := auditlog.NewAuditLog(kv)
	validatorManager := consensus.NewFixedValidatorManager(params.Validators)
	state := consensus.NewState(kv)
	engine := consensus.NewEngine(params.ChainID, params.PrivateKey, params.BLSKey,
		params.Network, validatorManager, pool, auditLog, state)
	dispatcher := dp.NewDispatcher(params.Network, pool)

	node := &Node{
		Store:      kv,
		Consensus:  engine,
		Mempool:    pool,
		KeyManager: keyManager,
		AuditLog:   auditLog,
		Dispatcher: dispatcher,
		Network:    params.Network,
		wg:         &sync.WaitGroup{},
	}

	if viper.GetBool(common.CfgRPCEnabled) {
		node.RPC = rpc.NewServer(dispatcher, auditLog, keyManager)
	}

	return node, nil
}

// Start starts sub components and kicks off the main loops.
func (n *Node) Start(ctx context.Context) {
	c, cancel := context.WithCancel(ctx)
	n.ctx = c
	n.cancel = cancel

	n.Consensus.Start(n.ctx)

	n.wg.Add(1)
	go n.finalizedBlockLoop()

	n.wg.Add(1)
	go n.rollupLoop()

	if n.RPC != nil {
		n.RPC.Start(n.ctx)
	}
}

// Stop notifies all sub components to stop without blocking.
func (n *Node) Stop() {
	n.cancel()
	n.Consensus.Stop()
	if n.RPC != nil {
		n.RPC.Stop()
	}
}

// Wait blocks until all sub components stop.
func (n *Node) Wait() {
	n.Consensus.Wait()
	n.wg.Wait()
}

// finalizedBlockLoop consumes the engine's finalized block feed: every block
// is appended to the audit log, committed transactions leave the mempool,
// epoch keys rotate on height boundaries and stuck entries are purged.
func (n *Node) finalizedBlockLoop() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case fb := <-n.Consensus.FinalizedBlocks():
			n.processFinalizedBlock(fb)
		}
	}
}

func (n *Node) processFinalizedBlock(fb *core.FinalizedBlock) {
	headerHash := fb.Block.Hash()
	if _, err := n.AuditLog.Append(headerHash.Bytes()); err != nil {
		logger.WithFields(log.Fields{"height": fb.Block.Height, "err": err}).
			Error("Failed to append block header to audit log")
	}

	committed := make([]common.Hash, 0, len(fb.Block.Txs))
	for _, tx := range fb.Block.Txs {
		if _, err := n.AuditLog.Append(tx); err != nil {
			logger.WithFields(log.Fields{"height": fb.Block.Height, "err": err}).
				Error("Failed to append transaction to audit log")
		}
		committed = append(committed, core.TxIDOf(tx))
	}
	n.Mempool.Update(committed)

	if err := n.KeyManager.OnHeight(fb.Block.Height + 1); err != nil {
		logger.WithFields(log.Fields{"err": err}).Error("Epoch key rotation failed")
	}
	n.Mempool.PurgeStuck(n.KeyManager.CurrentKey().Epoch)
}

// rollupLoop closes audit buckets on their cadence: the finest bucket every
// configured interval, and each coarser granularity when its span of finer
// buckets has elapsed.
func (n *Node) rollupLoop() {
	defer n.wg.Done()

	interval := time.Duration(viper.GetInt(common.CfgAuditBucketSeconds)) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			ticks++
			n.closeCurrentBucket(auditlog.GranularitySecond)
			if ticks%60 == 0 {
				n.closeCurrentBucket(auditlog.GranularityMinute)
			}
			if ticks%3600 == 0 {
				n.closeCurrentBucket(auditlog.GranularityHour)
			}
			if ticks%86400 == 0 {
				n.closeCurrentBucket(auditlog.GranularityDay)
			}
		}
	}
}

func (n *Node) closeCurrentBucket(g auditlog.Granularity) {
	bucketID := n.AuditLog.CurrentBucket(g)
	if _, err := n.AuditLog.CloseBucket(g, bucketID); err != nil {
		logger.WithFields(log.Fields{"granularity": g, "bucket": bucketID, "err": err}).
			Error("Failed to close audit bucket")
	}
}
