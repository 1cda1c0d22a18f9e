package state

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"forechain/storage"
)

// Manager reads and writes RLP-encoded ledger records on top of a key-value
// database. Writes that belong together are staged in a batch and committed
// atomically.
type Manager struct {
	db storage.Database
	// mu serialises commits so sequence numbers and read-modify-write index
	// updates never interleave.
	mu sync.Mutex
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

func (m *Manager) get(key []byte) ([]byte, error) {
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

// KVPut stores the RLP encoding of value under the supplied key.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.get(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVGetList decodes the RLP list stored under key into out, which must point to
// a slice. Missing keys produce an empty slice.
func (m *Manager) KVGetList(key []byte, out interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.get(kvKey(key))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		val := reflect.ValueOf(out)
		if val.Kind() != reflect.Ptr || val.IsNil() {
			return fmt.Errorf("kv: destination must be a non-nil pointer")
		}
		elem := val.Elem()
		if elem.Kind() != reflect.Slice {
			return fmt.Errorf("kv: destination must point to a slice")
		}
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		return nil
	}
	return rlp.DecodeBytes(data, out)
}

// Sequence returns the number of mutations committed so far.
func (m *Manager) Sequence() (uint64, error) {
	var seq uint64
	if _, err := m.KVGet(sequenceKeyBytes, &seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// Empty reports whether no ledger mutation has ever been committed.
func (m *Manager) Empty() (bool, error) {
	seq, err := m.Sequence()
	if err != nil {
		return false, err
	}
	if seq != 0 {
		return false, nil
	}
	found := false
	if err := m.db.Iterate(projectPrefix, func(_, _ []byte) bool {
		found = true
		return false
	}); err != nil {
		return false, err
	}
	return !found, nil
}

// stagedBatch collects encoded writes for one commit. Reads through it observe
// values staged earlier in the same batch.
type stagedBatch struct {
	m       *Manager
	batch   storage.Batch
	pending map[string][]byte
}

func (m *Manager) newStagedBatch() *stagedBatch {
	return &stagedBatch{m: m, batch: m.db.NewBatch(), pending: make(map[string][]byte)}
}

func (b *stagedBatch) putRaw(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	b.pending[string(key)] = encoded
	b.batch.Put(key, encoded)
	return nil
}

func (b *stagedBatch) put(key []byte, value interface{}) error {
	return b.putRaw(kvKey(key), value)
}

func (b *stagedBatch) getList(key []byte, out interface{}) error {
	if data, ok := b.pending[string(kvKey(key))]; ok {
		return rlp.DecodeBytes(data, out)
	}
	return b.m.KVGetList(key, out)
}

// appendUint64 adds value to the id list under key unless already present.
func (b *stagedBatch) appendUint64(key []byte, value uint64) error {
	var list []uint64
	if err := b.getList(key, &list); err != nil {
		return err
	}
	for _, existing := range list {
		if existing == value {
			return nil
		}
	}
	return b.put(key, append(list, value))
}

func (b *stagedBatch) write() error {
	if b.batch.Len() == 0 {
		return nil
	}
	return b.batch.Write()
}
