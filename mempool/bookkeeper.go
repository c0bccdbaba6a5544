package mempool

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/veilmesh/veilmesh/common"
)

const seenCacheSize = 200000

// txBookkeeper keeps track of recently seen transactions and enforces the
// per-submitter token-bucket rate limit.
type txBookkeeper struct {
	mu sync.Mutex

	seen     *lru.Cache // tx id -> bool
	limiters map[common.Address]*rate.Limiter

	limit rate.Limit
	burst int
}

func createTxBookkeeper() txBookkeeper {
	seen, _ := lru.New(seenCacheSize)
	return txBookkeeper{
		seen:     seen,
		limiters: make(map[common.Address]*rate.Limiter),
		limit:    rate.Limit(viper.GetFloat64(common.CfgMempoolSubmitRate)),
		burst:    viper.GetInt(common.CfgMempoolSubmitBurst),
	}
}

func (tb *txBookkeeper) hasSeen(txID common.Hash) bool {
	return tb.seen.Contains(txID)
}

func (tb *txBookkeeper) record(txID common.Hash) {
	tb.seen.Add(txID, true)
}

// forget clears a transaction from the seen cache. Applied on capacity
// eviction, so an honest entry pushed out of the pool can be resubmitted.
func (tb *txBookkeeper) forget(txID common.Hash) {
	tb.seen.Remove(txID)
}

func (tb *txBookkeeper) limiterFor(submitter common.Address) *rate.Limiter {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	limiter, ok := tb.limiters[submitter]
	if !ok {
		limiter = rate.NewLimiter(tb.limit, tb.burst)
		tb.limiters[submitter] = limiter
	}
	return limiter
}

// allow consumes one token from the submitter's bucket, reporting whether the
// submission is within the rate limit.
func (tb *txBookkeeper) allow(submitter common.Address) bool {
	return tb.limiterFor(submitter).Allow()
}

// penalize drains the submitter's bucket, so its next submissions are
// rejected until the bucket refills. Applied when a submitter's entries are
// purged as stuck or fail authentication at reveal time.
func (tb *txBookkeeper) penalize(submitter common.Address) {
	limiter := tb.limiterFor(submitter)
	limiter.AllowN(nowFunc(), tb.burst)
}
