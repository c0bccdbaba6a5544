package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/veilmesh/veilmesh/auditlog"
	"github.com/veilmesh/veilmesh/common"
	"github.com/veilmesh/veilmesh/core"
	"github.com/veilmesh/veilmesh/crypto"
	"github.com/veilmesh/veilmesh/dispatcher"
	"github.com/veilmesh/veilmesh/mempool"
)

var errInvalidGranularity = errors.New("invalid granularity")

var logger *log.Entry = log.WithFields(log.Fields{"prefix": "rpc"})

// Server exposes the client submission API and the audit proof API over HTTP.
type Server struct {
	dispatcher *dispatcher.Dispatcher
	auditLog   *auditlog.AuditLog
	keyManager *mempool.KeyManager

	router *mux.Router
	server *http.Server
}

// NewServer creates an instance of Server.
func NewServer(dp *dispatcher.Dispatcher, al *auditlog.AuditLog, km *mempool.KeyManager) *Server {
	s := &Server{
		dispatcher: dp,
		auditLog:   al,
		keyManager: km,
		router:     mux.NewRouter(),
	}
	s.router.HandleFunc("/tx", s.handleSubmitTx).Methods("POST")
	s.router.HandleFunc("/epoch/key", s.handleEpochKey).Methods("GET")
	s.router.HandleFunc("/audit/proof/{seq}", s.handleInclusionProof).Methods("GET")
	s.router.HandleFunc("/audit/root/{granularity}/{bucket}", s.handleBucketRoot).Methods("GET")
	s.router.HandleFunc("/audit/stats", s.handleStats).Methods("GET")
	return s
}

// Start begins serving on the configured address.
func (s *Server) Start(ctx context.Context) {
	addr := viper.GetString(common.CfgRPCAddress)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	go func() {
		logger.WithFields(log.Fields{"address": addr}).Info("RPC server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithFields(log.Fields{"err": err}).Error("RPC server failed")
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.server.Shutdown(ctx)
}

// -------------------------- Handlers -------------------------- //

// submitTxArgs is the JSON form of an encrypted envelope. Byte fields are
// hex encoded.
type submitTxArgs struct {
	TxID         string `json:"tx_id"`
	Epoch        uint64 `json:"epoch"`
	TargetKey    string `json:"target_key"`
	EphemeralKey string `json:"ephemeral_key"`
	Nonce        string `json:"nonce"`
	Ciphertext   string `json:"ciphertext"`
	Priority     string `json:"priority"`
	Signature    string `json:"signature"`
}

type submitTxResult struct {
	TxID   string `json:"tx_id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	args := &submitTxArgs{}
	if err := json.NewDecoder(r.Body).Decode(args); err != nil {
		writeJSON(w, http.StatusBadRequest, submitTxResult{Status: "rejected", Reason: "malformed request"})
		return
	}
	tx, err := decodeTxArgs(args)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, submitTxResult{Status: "rejected", Reason: err.Error()})
		return
	}

	if err := s.dispatcher.SubmitTx(tx); err != nil {
		writeJSON(w, http.StatusOK, submitTxResult{
			TxID:   tx.TxID.Hex(),
			Status: "rejected",
			Reason: err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, submitTxResult{TxID: tx.TxID.Hex(), Status: "accepted"})
}

func decodeTxArgs(args *submitTxArgs) (*core.EncryptedTx, error) {
	targetKey, err := hexDecode(args.TargetKey)
	if err != nil {
		return nil, err
	}
	ephemeralKey, err := hexDecode(args.EphemeralKey)
	if err != nil {
		return nil, err
	}
	nonce, err := hexDecode(args.Nonce)
	if err != nil {
		return nil, err
	}
	ciphertext, err := hexDecode(args.Ciphertext)
	if err != nil {
		return nil, err
	}
	sig, err := hexDecode(args.Signature)
	if err != nil {
		return nil, err
	}
	priority, ok := new(big.Int).SetString(args.Priority, 10)
	if !ok {
		priority = new(big.Int)
	}
	return &core.EncryptedTx{
		TxID:         common.HexToHash(args.TxID),
		Epoch:        args.Epoch,
		TargetKey:    targetKey,
		EphemeralKey: ephemeralKey,
		Nonce:        nonce,
		Ciphertext:   ciphertext,
		Priority:     priority,
		Signature:    crypto.SignatureFromBytes(sig),
	}, nil
}

type epochKeyResult struct {
	Epoch  uint64 `json:"epoch"`
	Public string `json:"public_key"`
}

func (s *Server) handleEpochKey(w http.ResponseWriter, r *http.Request) {
	key := s.keyManager.CurrentKey()
	writeJSON(w, http.StatusOK, epochKeyResult{
		Epoch:  key.Epoch,
		Public: key.Public.String(),
	})
}

type proofStepResult struct {
	Sibling string `json:"sibling"`
	Left    bool   `json:"left"`
}

type inclusionProofResult struct {
	Leaf  string            `json:"leaf"`
	Root  string            `json:"root"`
	Steps []proofStepResult `json:"steps"`
}

func (s *Server) handleInclusionProof(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseUint(mux.Vars(r)["seq"], 10, 64)
	if err != nil {
		http.Error(w, "invalid sequence number", http.StatusBadRequest)
		return
	}
	proof, root, err := s.auditLog.ProveInclusion(seq)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	result := inclusionProofResult{
		Leaf: proof.Leaf.Hex(),
		Root: root.Hex(),
	}
	for _, step := range proof.Steps {
		result.Steps = append(result.Steps, proofStepResult{
			Sibling: step.Sibling.Hex(),
			Left:    step.Left,
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleBucketRoot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	granularity, err := parseGranularity(vars["granularity"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	bucketID, err := strconv.ParseUint(vars["bucket"], 10, 64)
	if err != nil {
		http.Error(w, "invalid bucket id", http.StatusBadRequest)
		return
	}
	root, err := s.auditLog.BucketRoot(granularity, bucketID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"root": root.Hex()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.auditLog.Stats()
	result := map[string]interface{}{
		"next_seq": stats.NextSeq,
	}
	for g, n := range stats.OpenLeaves {
		result["open_leaves_"+g.String()] = n
	}
	for g, n := range stats.FrozenBuckets {
		result["frozen_buckets_"+g.String()] = n
	}
	writeJSON(w, http.StatusOK, result)
}

// -------------------------- Helpers -------------------------- //

func parseGranularity(s string) (auditlog.Granularity, error) {
	switch s {
	case "second":
		return auditlog.GranularitySecond, nil
	case "minute":
		return auditlog.GranularityMinute, nil
	case "hour":
		return auditlog.GranularityHour, nil
	case "day":
		return auditlog.GranularityDay, nil
	default:
		return 0, errInvalidGranularity
	}
}

func hexDecode(s string) ([]byte, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	return hex.DecodeString(s)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
