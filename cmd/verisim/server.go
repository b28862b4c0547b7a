package main

import (
	"context"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"

	"github.com/verisimdb/verisimdb/pkg/api"
	"github.com/verisimdb/verisimdb/pkg/breaker"
	"github.com/verisimdb/verisimdb/pkg/cache"
	"github.com/verisimdb/verisimdb/pkg/client"
	"github.com/verisimdb/verisimdb/pkg/config"
	"github.com/verisimdb/verisimdb/pkg/engine"
	"github.com/verisimdb/verisimdb/pkg/events"
	"github.com/verisimdb/verisimdb/pkg/federation"
	"github.com/verisimdb/verisimdb/pkg/modality"
	"github.com/verisimdb/verisimdb/pkg/registry"
	"github.com/verisimdb/verisimdb/pkg/temporal"
	"github.com/verisimdb/verisimdb/pkg/verr"
)

// serverNode bundles everything a running node owns.
type serverNode struct {
	cfg    *config.Config
	eng    *engine.Engine
	server *api.Server
	broker *events.Broker
	tlog   *temporal.Log
	db     *bolt.DB

	fedNode   *federation.Node
	fanout    *federation.Fanout
	registrar *federation.Registrar
}

func newServerNode(cfg *config.Config, bootstrap bool, joinAddr string) (*serverNode, error) {
	broker := events.NewBroker()
	broker.Start()

	tlog, err := temporal.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	db, err := bolt.Open(filepath.Join(cfg.DataDir, "verisim.db"), 0600, nil)
	if err != nil {
		return nil, err
	}

	qcache, err := cache.New(cache.Options{
		L1Entries:   cfg.Cache.L1Entries,
		BudgetBytes: cfg.Cache.MemoryBudgetBytes,
		RedisAddr:   cfg.Cache.RedisAddr,
		BoltDB:      db,
	})
	if err != nil {
		return nil, err
	}

	federated := bootstrap || joinAddr != ""

	// The registry is the raft state machine when federated; standalone
	// nodes persist it directly.
	var reg registry.Registry
	if federated {
		reg = registry.NewMem()
	} else {
		breg, rerr := registry.NewBolt(cfg.DataDir)
		if rerr != nil {
			return nil, rerr
		}
		reg = breg
	}

	stores := modality.NewStores(cfg.Breaker.FailureThreshold, cfg.Breaker.CoolDown)
	stores.Register(modality.NewMemory("local", cfg.Modalities...))

	n := &serverNode{cfg: cfg, broker: broker, tlog: tlog, db: db}

	if federated {
		fsm := federation.NewMetadataFSM(reg)
		fedNode, ferr := federation.NewNode(&federation.NodeConfig{
			NodeID:   cfg.Federation.NodeID,
			BindAddr: cfg.Federation.BindAddr,
			DataDir:  cfg.Federation.DataDir,
		}, fsm)
		if ferr != nil {
			return nil, ferr
		}
		if bootstrap {
			if berr := fedNode.Bootstrap(); berr != nil {
				return nil, berr
			}
			if werr := fedNode.WaitForLeader(10 * time.Second); werr != nil {
				return nil, werr
			}
		}
		n.fedNode = fedNode
		n.registrar = federation.NewRegistrar(fedNode, cfg.Federation.PSKTable, broker)
		n.fanout = federation.NewFanout(reg, client.New(client.Options{
			PoolSize: cfg.Federation.PoolSize,
			Timeout:  cfg.Deadlines.FanOut,
		}), broker, federation.FanoutConfig{
			MinTrust:         cfg.Federation.MinTrust,
			ByzantineDev:     cfg.Federation.ByzantineDev,
			BreakerThreshold: cfg.Breaker.FailureThreshold,
			BreakerCoolDown:  cfg.Breaker.CoolDown,
		})
	}

	engOpts := engine.Options{
		Config:   cfg,
		Stores:   stores,
		Registry: reg,
		Cache:    qcache,
		Temporal: tlog,
		Broker:   broker,
	}
	if n.fanout != nil {
		engOpts.Fanout = n.fanout
	}
	eng, err := engine.New(engOpts)
	if err != nil {
		return nil, err
	}
	n.eng = eng

	srvOpts := api.Options{
		Addr:       cfg.HTTPAddr,
		EnableIPv4: cfg.Federation.EnableIPv4,
		Runner:     eng,
		Admin:      &adminSurface{node: n},
	}
	if n.registrar != nil {
		srvOpts.Registrar = n.registrar
	}
	n.server = api.New(srvOpts)
	return n, nil
}

// run serves until the context is cancelled.
func (n *serverNode) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return n.server.Start(gctx) })
	g.Go(func() error {
		n.eng.RunDriftSampler(gctx)
		return nil
	})
	g.Go(func() error {
		n.eng.RunAdvisor(gctx, nil, time.Minute)
		return nil
	})

	err := g.Wait()

	if n.fedNode != nil {
		_ = n.fedNode.Shutdown()
	}
	n.broker.Stop()
	if n.tlog != nil {
		_ = n.tlog.Close()
	}
	if n.db != nil {
		_ = n.db.Close()
	}
	return err
}

// adminSurface adapts the node to the api.Admin interface.
type adminSurface struct {
	node *serverNode
}

func (a *adminSurface) StoreStats() []breaker.Stats {
	return a.node.eng.Stores().Stats()
}

func (a *adminSurface) FederationStatus() (any, error) {
	peers, err := a.node.eng.Registry().ListPeers()
	if err != nil {
		return nil, err
	}
	out := map[string]any{"peers": peers}
	if a.node.fedNode != nil {
		out["raft"] = a.node.fedNode.Status()
	}
	if a.node.fanout != nil {
		out["breakers"] = a.node.fanout.BreakerStats()
	}
	return out, nil
}

func (a *adminSurface) InspectHexad(ctx context.Context, id string) (any, error) {
	h, matrix, err := a.node.eng.Inspect(ctx, id)
	if err != nil {
		return nil, err
	}
	drift := make(map[string]float64, len(matrix))
	for pair, score := range matrix {
		drift[string(pair[0])+"/"+string(pair[1])] = score
	}
	return map[string]any{"hexad": h, "drift": drift}, nil
}

func (a *adminSurface) RepairDrift(ctx context.Context, id string) error {
	return a.node.eng.RepairDrift(ctx, id)
}

func (a *adminSurface) RebuildIndex(ctx context.Context) error {
	return a.node.eng.RebuildIndex(ctx)
}

func (a *adminSurface) State() (*registry.State, error) {
	return a.node.eng.Registry().State()
}

func (a *adminSurface) Restore(st *registry.State) error {
	if st == nil {
		return verr.Runtime(verr.CodeInternal, "empty snapshot state")
	}
	return a.node.eng.Registry().Restore(st)
}

func (a *adminSurface) Snapshot() error {
	if a.node.fedNode == nil {
		return nil
	}
	return a.node.fedNode.Snapshot()
}
