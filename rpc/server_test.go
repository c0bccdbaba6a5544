package rpc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilmesh/veilmesh/auditlog"
	"github.com/veilmesh/veilmesh/crypto"
	"github.com/veilmesh/veilmesh/dispatcher"
	"github.com/veilmesh/veilmesh/mempool"
	"github.com/veilmesh/veilmesh/p2p/simulation"
	"github.com/veilmesh/veilmesh/store/database/backend"
	"github.com/veilmesh/veilmesh/store/kvstore"
)

func newTestServer(t *testing.T) (*Server, *mempool.KeyManager, *auditlog.AuditLog) {
	km, err := mempool.NewKeyManager(mempool.NewMemoryRecoveryAuthority())
	require.Nil(t, err)
	pool := mempool.CreateMempool(km)

	simnet := simulation.NewSimnet()
	endpoint := simnet.AddEndpoint("rpc-test-node")
	dp := dispatcher.NewDispatcher(endpoint, pool)

	al := auditlog.NewAuditLog(kvstore.NewKVStore(backend.NewMemDatabase()))
	return NewServer(dp, al, km), km, al
}

func (s *Server) serve(method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestSubmitTxEndpoint(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	server, km, _ := newTestServer(t)

	submitterKey, _, err := crypto.GenerateKeyPair()
	require.Nil(err)
	key := km.CurrentKey()
	tx, err := mempool.SealTx([]byte("rpc payload"), big.NewInt(9), key.Epoch, key.Public, submitterKey)
	require.Nil(err)

	args := map[string]interface{}{
		"tx_id":         tx.TxID.Hex(),
		"epoch":         tx.Epoch,
		"target_key":    hex.EncodeToString(tx.TargetKey),
		"ephemeral_key": hex.EncodeToString(tx.EphemeralKey),
		"nonce":         hex.EncodeToString(tx.Nonce),
		"ciphertext":    hex.EncodeToString(tx.Ciphertext),
		"priority":      tx.Priority.String(),
		"signature":     hex.EncodeToString(tx.Signature.ToBytes()),
	}
	body, err := json.Marshal(args)
	require.Nil(err)

	w := server.serve("POST", "/tx", body)
	require.Equal(http.StatusOK, w.Code)

	result := submitTxResult{}
	require.Nil(json.NewDecoder(w.Body).Decode(&result))
	assert.Equal("accepted", result.Status)
	assert.Equal(tx.TxID.Hex(), result.TxID)

	// Resubmission is rejected as a duplicate but still a well-formed call.
	w = server.serve("POST", "/tx", body)
	require.Equal(http.StatusOK, w.Code)
	require.Nil(json.NewDecoder(w.Body).Decode(&result))
	assert.Equal("rejected", result.Status)
	assert.NotEmpty(result.Reason)

	// Malformed hex is a client error.
	args["signature"] = "not-hex"
	body, _ = json.Marshal(args)
	w = server.serve("POST", "/tx", body)
	assert.Equal(http.StatusBadRequest, w.Code)
}

func TestEpochKeyEndpoint(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	server, km, _ := newTestServer(t)

	w := server.serve("GET", "/epoch/key", nil)
	require.Equal(http.StatusOK, w.Code)

	result := epochKeyResult{}
	require.Nil(json.NewDecoder(w.Body).Decode(&result))
	assert.Equal(km.CurrentKey().Epoch, result.Epoch)
	assert.Equal(km.CurrentKey().Public.String(), result.Public)
}

func TestAuditEndpoints(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	server, _, al := newTestServer(t)

	leaf, err := al.Append([]byte("audited via rpc"))
	require.Nil(err)

	// Open bucket: proof not available yet.
	w := server.serve("GET", "/audit/proof/0", nil)
	assert.Equal(http.StatusNotFound, w.Code)

	root, err := al.CloseBucket(auditlog.GranularitySecond, 0)
	require.Nil(err)

	w = server.serve("GET", "/audit/proof/0", nil)
	require.Equal(http.StatusOK, w.Code)
	proof := inclusionProofResult{}
	require.Nil(json.NewDecoder(w.Body).Decode(&proof))
	assert.Equal(leaf.Hash.Hex(), proof.Leaf)
	assert.Equal(root.Hex(), proof.Root)

	w = server.serve("GET", "/audit/root/second/0", nil)
	require.Equal(http.StatusOK, w.Code)
	rootResult := map[string]string{}
	require.Nil(json.NewDecoder(w.Body).Decode(&rootResult))
	assert.Equal(root.Hex(), rootResult["root"])

	w = server.serve("GET", "/audit/root/fortnight/0", nil)
	assert.Equal(http.StatusBadRequest, w.Code)

	w = server.serve("GET", "/audit/stats", nil)
	require.Equal(http.StatusOK, w.Code)
	stats := map[string]interface{}{}
	require.Nil(json.NewDecoder(w.Body).Decode(&stats))
	assert.Equal(float64(1), stats["next_seq"])
}
