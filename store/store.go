package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"

	"github.com/cobaltbit/cobalt/libs/log"
	"github.com/cobaltbit/cobalt/types"
)

// Key prefixes for the block store.
const (
	prefixBlock = "b"
	prefixHash  = "h"
)

var stateKey = []byte("blockstore")

// blockStoreState tracks the contiguous range held by the store.
type blockStoreState struct {
	Base   uint64 `json:"base"`
	Height uint64 `json:"height"`
}

/*
BlockStore is a simple low level store for blocks.

The store holds a contiguous range of blocks between Base and Height
(inclusive), keyed by height in an order-preserving encoding, with a
secondary hash-to-height index for lookup by block hash.

BlockStore methods panic if they encounter errors deserializing loaded
data, indicating probable corruption on disk.
*/
type BlockStore struct {
	logger log.Logger
	db     dbm.DB

	mtx    sync.RWMutex
	base   uint64
	height uint64
}

// NewBlockStore returns a new BlockStore with the given DB, initialized to
// the last height that was committed to the DB.
func NewBlockStore(logger log.Logger, db dbm.DB) (*BlockStore, error) {
	state, err := loadState(db)
	if err != nil {
		return nil, err
	}
	return &BlockStore{
		logger: logger,
		db:     db,
		base:   state.Base,
		height: state.Height,
	}, nil
}

func loadState(db dbm.DB) (blockStoreState, error) {
	var state blockStoreState
	bz, err := db.Get(stateKey)
	if err != nil {
		return state, fmt.Errorf("failed to load block store state: %w", err)
	}
	if len(bz) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(bz, &state); err != nil {
		return state, fmt.Errorf("corrupt block store state: %w", err)
	}
	return state, nil
}

// Base returns the first known contiguous block height, or 0 for empty
// block stores.
func (bs *BlockStore) Base() uint64 {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return bs.base
}

// Height returns the last known contiguous block height, or 0 for empty
// block stores.
func (bs *BlockStore) Height() uint64 {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return bs.height
}

// Size returns the number of blocks in the block store.
func (bs *BlockStore) Size() uint64 {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	if bs.height == 0 {
		return 0
	}
	return bs.height - bs.base + 1
}

// Update commits a block at the given height and reports success. It is
// the storage collaborator of the sync scheduler: the scheduler times
// this call to estimate per-peer import cost.
//
// The first block may land at any height (a checkpointed sync does not
// start from genesis); afterwards heights must be contiguous.
func (bs *BlockStore) Update(block *types.Block, height uint64) bool {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	if bs.height != 0 && height != bs.height+1 {
		bs.logger.Error("refusing non-contiguous block",
			"height", height, "store_height", bs.height)
		return false
	}

	bz, err := block.Marshal()
	if err != nil {
		bs.logger.Error("failed to encode block", "height", height, "err", err)
		return false
	}

	newState := blockStoreState{Base: bs.base, Height: height}
	if bs.height == 0 {
		newState.Base = height
	}
	stateBz, err := json.Marshal(newState)
	if err != nil {
		bs.logger.Error("failed to encode block store state", "err", err)
		return false
	}

	hash := block.Header.Hash()
	heightBz := make([]byte, 8)
	binary.BigEndian.PutUint64(heightBz, height)

	batch := bs.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(blockKey(height), bz); err != nil {
		bs.logger.Error("failed to stage block", "height", height, "err", err)
		return false
	}
	if err := batch.Set(hashKey(hash), heightBz); err != nil {
		bs.logger.Error("failed to stage hash index", "height", height, "err", err)
		return false
	}
	if err := batch.Set(stateKey, stateBz); err != nil {
		bs.logger.Error("failed to stage block store state", "err", err)
		return false
	}
	if err := batch.WriteSync(); err != nil {
		bs.logger.Error("failed to commit block", "height", height, "err", err)
		return false
	}

	bs.base = newState.Base
	bs.height = newState.Height
	return true
}

// LoadBlock returns the block at the given height, or nil if absent.
func (bs *BlockStore) LoadBlock(height uint64) *types.Block {
	bz, err := bs.db.Get(blockKey(height))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return nil
	}

	block := new(types.Block)
	if err := block.Unmarshal(bz); err != nil {
		panic(fmt.Errorf("corrupt block at height %d: %w", height, err))
	}
	return block
}

// LoadBlockByHash returns the block with the given hash, or nil if absent.
func (bs *BlockStore) LoadBlockByHash(hash types.Hash) *types.Block {
	bz, err := bs.db.Get(hashKey(hash))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return nil
	}
	if len(bz) != 8 {
		panic(fmt.Errorf("corrupt hash index for %v", hash))
	}
	return bs.LoadBlock(binary.BigEndian.Uint64(bz))
}

// Close releases the underlying database handle.
func (bs *BlockStore) Close() error {
	return bs.db.Close()
}

func blockKey(height uint64) []byte {
	key, err := orderedcode.Append(nil, prefixBlock, height)
	if err != nil {
		panic(err)
	}
	return key
}

func hashKey(hash types.Hash) []byte {
	key, err := orderedcode.Append(nil, prefixHash, string(hash[:]))
	if err != nil {
		panic(err)
	}
	return key
}
