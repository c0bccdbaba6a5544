package common

import (
	"github.com/spf13/viper"
)

const (
	// CfgConfigPath defines the directory of the config file and key material.
	CfgConfigPath = "config.path"

	// CfgGenesisChainID defines the chain ID of the network.
	CfgGenesisChainID = "genesis.chainID"

	// CfgConsensusMessageQueueSize defines the capacity of the consensus message queue.
	CfgConsensusMessageQueueSize = "consensus.messageQueueSize"
	// CfgConsensusProposeTimeout defines the propose phase timeout in milliseconds.
	CfgConsensusProposeTimeout = "consensus.proposeTimeoutMs"
	// CfgConsensusPrepareTimeout defines the prepare phase timeout in milliseconds.
	CfgConsensusPrepareTimeout = "consensus.prepareTimeoutMs"
	// CfgConsensusCommitTimeout defines the commit phase timeout in milliseconds.
	CfgConsensusCommitTimeout = "consensus.commitTimeoutMs"
	// CfgConsensusRoundTimeoutDelta defines the per-round timeout increment in milliseconds.
	CfgConsensusRoundTimeoutDelta = "consensus.roundTimeoutDeltaMs"
	// CfgConsensusMaxTxsPerBlock caps the number of transactions in a proposal.
	CfgConsensusMaxTxsPerBlock = "consensus.maxTxsPerBlock"
	// CfgConsensusVerifierWorkers sets the number of goroutines verifying message signatures.
	CfgConsensusVerifierWorkers = "consensus.verifierWorkers"

	// CfgMempoolMaxPendingTxs caps the number of pending entries in the mempool.
	CfgMempoolMaxPendingTxs = "mempool.maxPendingTxs"
	// CfgMempoolRevealBatchSize caps the number of entries revealed per round.
	CfgMempoolRevealBatchSize = "mempool.revealBatchSize"
	// CfgMempoolSubmitRate sets the per-submitter token bucket refill rate (txs/sec).
	CfgMempoolSubmitRate = "mempool.submitRate"
	// CfgMempoolSubmitBurst sets the per-submitter token bucket burst size.
	CfgMempoolSubmitBurst = "mempool.submitBurst"
	// CfgMempoolStuckEpochs sets the number of epochs after which unrevealed entries are purged.
	CfgMempoolStuckEpochs = "mempool.stuckEpochs"

	// CfgEpochLength defines the number of block heights per mempool key epoch.
	CfgEpochLength = "epoch.length"
	// CfgEpochRetention defines how many retired epoch keys are kept for late reveals.
	CfgEpochRetention = "epoch.retention"

	// CfgAuditBucketSeconds defines the span of the finest audit-log bucket in seconds.
	CfgAuditBucketSeconds = "audit.bucketSeconds"

	// CfgStorageDataPath defines the directory of the LevelDB database.
	CfgStorageDataPath = "storage.dataPath"

	// CfgP2PMessageQueueSize sets the message queue size for the network interface.
	CfgP2PMessageQueueSize = "p2p.messageQueueSize"

	// CfgRPCEnabled sets whether to run the RPC service.
	CfgRPCEnabled = "rpc.enabled"
	// CfgRPCAddress sets the listen address of the RPC service.
	CfgRPCAddress = "rpc.address"

	// CfgLogLevel sets the log level.
	CfgLogLevel = "log.level"
	// CfgLogPrintSelfID determines whether to print the node's ID in logs (useful
	// in simulation when more than one node is running).
	CfgLogPrintSelfID = "log.printSelfID"
)

func init() {
	viper.SetDefault(CfgGenesisChainID, "veilmesh")

	viper.SetDefault(CfgConsensusMessageQueueSize, 512)
	viper.SetDefault(CfgConsensusProposeTimeout, 3000)
	viper.SetDefault(CfgConsensusPrepareTimeout, 3000)
	viper.SetDefault(CfgConsensusCommitTimeout, 3000)
	viper.SetDefault(CfgConsensusRoundTimeoutDelta, 1000)
	viper.SetDefault(CfgConsensusMaxTxsPerBlock, 1000)
	viper.SetDefault(CfgConsensusVerifierWorkers, 4)

	viper.SetDefault(CfgMempoolMaxPendingTxs, 10000)
	viper.SetDefault(CfgMempoolRevealBatchSize, 100)
	viper.SetDefault(CfgMempoolSubmitRate, 10)
	viper.SetDefault(CfgMempoolSubmitBurst, 20)
	viper.SetDefault(CfgMempoolStuckEpochs, 2)

	viper.SetDefault(CfgEpochLength, 100)
	viper.SetDefault(CfgEpochRetention, 1)

	viper.SetDefault(CfgAuditBucketSeconds, 1)

	viper.SetDefault(CfgStorageDataPath, "")

	viper.SetDefault(CfgP2PMessageQueueSize, 512)

	viper.SetDefault(CfgRPCEnabled, false)
	viper.SetDefault(CfgRPCAddress, "127.0.0.1:17888")

	viper.SetDefault(CfgLogLevel, "info")
	viper.SetDefault(CfgLogPrintSelfID, false)
}
