package store

import (
	"errors"

	"github.com/veilmesh/veilmesh/common"
)

// ErrKeyNotFound is returned when the key is not found in the store.
var ErrKeyNotFound = errors.New("KeyNotFound")

// Store is the interface for key/value storages holding structured values.
type Store interface {
	Put(key common.Bytes, value interface{}) error
	Delete(key common.Bytes) error
	Get(key common.Bytes, value interface{}) error
}
