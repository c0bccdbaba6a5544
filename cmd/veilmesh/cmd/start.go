package cmd

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/veilmesh/veilmesh/common"
	"github.com/veilmesh/veilmesh/core"
	"github.com/veilmesh/veilmesh/crypto"
	"github.com/veilmesh/veilmesh/crypto/bls"
	"github.com/veilmesh/veilmesh/node"
	"github.com/veilmesh/veilmesh/p2p/simulation"
	"github.com/veilmesh/veilmesh/store/database/backend"
)

// startCmd runs the node.
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Veilmesh node",
	Run:   runStart,
}

func init() {
	RootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) {
	privKey, err := loadOrCreateNodeKey(path.Join(cfgPath, "key", "node.priv"))
	if err != nil {
		log.Fatalf("Failed to load the node key: %v", err)
	}
	blsKey, err := loadOrCreateBLSKey(path.Join(cfgPath, "key", "bls.priv"))
	if err != nil {
		log.Fatalf("Failed to load the BLS key: %v", err)
	}

	validators, err := loadValidatorSet(path.Join(cfgPath, "validators.json"), privKey, blsKey)
	if err != nil {
		log.Fatalf("Failed to load the validator set: %v", err)
	}

	dataPath := viper.GetString(common.CfgStorageDataPath)
	if dataPath == "" {
		dataPath = path.Join(cfgPath, "db")
	}
	db, err := backend.NewLDBDatabase(dataPath, 256, 0)
	if err != nil {
		log.Fatalf("Failed to open the database at %v: %v", dataPath, err)
	}

	// Standalone network. Additional transports plug in behind p2p.Network.
	simnet := simulation.NewSimnet()
	network := simnet.AddEndpoint(privKey.PublicKey().Address().Hex())
	simnet.Start() // starts every endpoint, the node's included

	n, err := node.NewNode(&node.Params{
		ChainID:    viper.GetString(common.CfgGenesisChainID),
		PrivateKey: privKey,
		BLSKey:     blsKey,
		Validators: validators,
		Network:    network,
		DB:         db,
	})
	if err != nil {
		log.Fatalf("Failed to create the node: %v", err)
	}

	if viper.GetBool(common.CfgLogPrintSelfID) {
		log.WithFields(log.Fields{"id": network.ID()}).Info("Node ID")
	}

	n.Start(context.Background())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("Shutting down...")

	n.Stop()
	n.Wait()
	db.Close()
}

// loadOrCreateNodeKey reads the hex encoded ECDSA node key from keyPath,
// generating and persisting a fresh one on first start.
func loadOrCreateNodeKey(keyPath string) (*crypto.PrivateKey, error) {
	raw, err := os.ReadFile(keyPath)
	if err == nil {
		b, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, err
		}
		return crypto.PrivateKeyFromBytes(b)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	privKey, _, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := writeKeyFile(keyPath, privKey.ToBytes()); err != nil {
		return nil, err
	}
	return privKey, nil
}

// loadOrCreateBLSKey reads the hex encoded BLS signing key from keyPath,
// generating and persisting a fresh one on first start.
func loadOrCreateBLSKey(keyPath string) (*bls.SecretKey, error) {
	raw, err := os.ReadFile(keyPath)
	if err == nil {
		b, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, err
		}
		return bls.SecretKeyFromBytes(b)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	blsKey, err := bls.RandKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	if err := writeKeyFile(keyPath, blsKey.Marshal()); err != nil {
		return nil, err
	}
	return blsKey, nil
}

func writeKeyFile(keyPath string, key []byte) error {
	if err := os.MkdirAll(path.Dir(keyPath), 0700); err != nil {
		return err
	}
	return os.WriteFile(keyPath, []byte(hex.EncodeToString(key)), 0600)
}

type validatorEntry struct {
	Address    string `json:"address"`
	SigningKey string `json:"signing_key"`
	Stake      string `json:"stake"`
}

// loadValidatorSet reads the validator roster from vsPath. When the file is
// absent the node boots as the sole validator of a standalone network.
func loadValidatorSet(vsPath string, privKey *crypto.PrivateKey, blsKey *bls.SecretKey) (*core.ValidatorSet, error) {
	vset := core.NewValidatorSet(0)

	raw, err := os.ReadFile(vsPath)
	if os.IsNotExist(err) {
		vset.AddValidator(core.NewValidator(
			privKey.PublicKey().Address(), blsKey.PublicKey(), new(big.Int).SetUint64(1000)))
		return vset, nil
	}
	if err != nil {
		return nil, err
	}

	var entries []validatorEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	for _, entry := range entries {
		keyBytes, err := hex.DecodeString(strings.TrimPrefix(entry.SigningKey, "0x"))
		if err != nil {
			return nil, err
		}
		signKey, err := bls.PublicKeyFromBytes(keyBytes)
		if err != nil {
			return nil, err
		}
		stake, ok := new(big.Int).SetString(entry.Stake, 10)
		if !ok {
			return nil, fmt.Errorf("invalid stake %q for validator %v", entry.Stake, entry.Address)
		}
		vset.AddValidator(core.NewValidator(common.HexToAddress(entry.Address), signKey, stake))
	}
	return vset, nil
}
