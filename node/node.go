package node

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	dbm "github.com/tendermint/tm-db"
	"golang.org/x/sync/errgroup"

	"github.com/cobaltbit/cobalt/config"
	"github.com/cobaltbit/cobalt/internal/blocksync"
	"github.com/cobaltbit/cobalt/libs/log"
	"github.com/cobaltbit/cobalt/libs/service"
	"github.com/cobaltbit/cobalt/store"
	"github.com/cobaltbit/cobalt/types"
)

// Node wires the block store, the sync scheduler and the instrumentation
// server together. The network layer attaches peer channels through
// Reactor().
type Node struct {
	service.BaseService

	config     *config.Config
	logger     log.Logger
	db         dbm.DB
	blockStore *store.BlockStore
	reactor    *blocksync.Reactor

	promServer *http.Server
	eg         *errgroup.Group
}

// New builds a node from the given configuration.
func New(cfg *config.Config, logger log.Logger) (*Node, error) {
	db, err := dbm.NewDB("blockstore", dbm.BackendType(cfg.DBBackend), cfg.DBDir())
	if err != nil {
		return nil, fmt.Errorf("failed to open block store db: %w", err)
	}

	blockStore, err := store.NewBlockStore(logger.With("module", "store"), db)
	if err != nil {
		return nil, err
	}

	metrics := blocksync.NopMetrics()
	if cfg.Instrumentation.Prometheus {
		metrics = blocksync.PrometheusMetrics(cfg.Instrumentation.Namespace)
	}

	targets, err := loadTargets(cfg.Sync.TargetsPath(), blockStore.Height())
	if err != nil {
		return nil, err
	}
	logger.Info("loaded sync targets",
		"count", len(targets), "store_height", blockStore.Height())

	table := blocksync.NewReservations(
		logger.With("module", "blocksync"),
		metrics,
		blockStore,
		blocksync.NewSliceSource(targets),
		cfg.Sync.OutboundPeers,
		cfg.Sync.MaxRequest,
		cfg.Sync.BlockLatency,
	)
	reactor := blocksync.NewReactor(logger.With("module", "blocksync"), table, cfg.Sync.PruneInterval)

	n := &Node{
		config:     cfg,
		logger:     logger,
		db:         db,
		blockStore: blockStore,
		reactor:    reactor,
	}
	n.BaseService = *service.NewBaseService(logger, "Node", n)
	return n, nil
}

// Reactor returns the sync reactor the network layer attaches peers to.
func (n *Node) Reactor() *blocksync.Reactor { return n.reactor }

// BlockStore returns the node's block store.
func (n *Node) BlockStore() *store.BlockStore { return n.blockStore }

// OnStart implements service.Implementation.
func (n *Node) OnStart(ctx context.Context) error {
	if err := n.reactor.Start(ctx); err != nil {
		return err
	}

	if n.config.Instrumentation.Prometheus {
		n.promServer = &http.Server{
			Addr:              n.config.Instrumentation.PrometheusListenAddr,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		n.eg, _ = errgroup.WithContext(ctx)
		n.eg.Go(func() error {
			n.logger.Info("serving prometheus metrics", "addr", n.promServer.Addr)
			if err := n.promServer.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	return nil
}

// OnStop implements service.Implementation.
func (n *Node) OnStop() {
	if err := n.reactor.Stop(); err != nil {
		n.logger.Error("failed to stop reactor", "err", err)
	}

	if n.promServer != nil {
		if err := n.promServer.Close(); err != nil {
			n.logger.Error("failed to close prometheus server", "err", err)
		}
		if err := n.eg.Wait(); err != nil {
			n.logger.Error("prometheus server terminated", "err", err)
		}
	}

	if err := n.db.Close(); err != nil {
		n.logger.Error("failed to close block store db", "err", err)
	}
}

// syncTarget is the on-disk form of a checkpointed block target.
type syncTarget struct {
	Height uint64 `json:"height"`
	Hash   string `json:"hash"`
}

// loadTargets reads the checkpointed (hash, height) pairs the node should
// download, dropping any the store already holds. Targets must be strictly
// ascending in height.
func loadTargets(path string, storeHeight uint64) ([]blocksync.Target, error) {
	bz, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync targets: %w", err)
	}

	var raw []syncTarget
	if err := json.Unmarshal(bz, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse sync targets %q: %w", path, err)
	}

	targets := make([]blocksync.Target, 0, len(raw))
	var lastHeight uint64
	for i, entry := range raw {
		if i > 0 && entry.Height <= lastHeight {
			return nil, fmt.Errorf("sync targets out of order at height %d", entry.Height)
		}
		lastHeight = entry.Height

		if entry.Height <= storeHeight {
			continue
		}

		hashBytes, err := hex.DecodeString(entry.Hash)
		if err != nil {
			return nil, fmt.Errorf("invalid target hash at height %d: %w", entry.Height, err)
		}
		hash, err := types.HashFromBytes(hashBytes)
		if err != nil {
			return nil, fmt.Errorf("invalid target hash at height %d: %w", entry.Height, err)
		}

		targets = append(targets, blocksync.Target{Hash: hash, Height: entry.Height})
	}

	return targets, nil
}
