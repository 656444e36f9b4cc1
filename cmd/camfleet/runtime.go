package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bft-labs/camfleet/internal/adapters/ble"
	"github.com/bft-labs/camfleet/internal/adapters/sim"
	"github.com/bft-labs/camfleet/internal/cliconfig"
	"github.com/bft-labs/camfleet/pkg/credential"
	"github.com/bft-labs/camfleet/pkg/fleet"
	"github.com/bft-labs/camfleet/pkg/link"
	"github.com/bft-labs/camfleet/pkg/log"
	"github.com/bft-labs/camfleet/pkg/state"
	"github.com/bft-labs/camfleet/plugins/credwatch"
)

const stopTimeout = 10 * time.Second

// env is an opened fleet plus what it was built from.
type env struct {
	fleet *fleet.Orchestrator
	store credential.Store
	sim   *sim.Network
}

// openStore picks the credential store: in memory when simulating, sealed
// with age when an identity is configured, plain files otherwise.
func (c *cli) openStore() (credential.Store, error) {
	if c.cfg.Simulate {
		return state.NewMemoryRepository(), nil
	}
	if path := c.cfg.IdentityPath(); path != "" {
		id, err := state.LoadOrGenerateIdentity(path)
		if err != nil {
			return nil, fmt.Errorf("load identity: %w", err)
		}
		return state.NewSealedRepository(c.cfg.StoreDir, id), nil
	}
	return state.NewFileRepository(c.cfg.StoreDir), nil
}

// open builds the orchestrator and starts its plugins. It does not connect.
func (c *cli) open(ctx context.Context) (*env, error) {
	store, err := c.openStore()
	if err != nil {
		return nil, err
	}
	if !c.cfg.Simulate {
		if err := cliconfig.LoadDevices(ctx, &c.cfg, store); err != nil {
			return nil, err
		}
	} else if len(c.cfg.Devices) == 0 {
		return nil, fmt.Errorf("--simulate needs --devices")
	}

	e := &env{store: store}
	var transport link.Transport
	if c.cfg.Simulate {
		e.sim = sim.NewNetwork()
		for _, id := range c.cfg.Devices {
			e.sim.Add(id)
		}
		transport = e.sim
	} else {
		transport = ble.New(nil, c.logger)
	}

	opts := []fleet.Option{
		fleet.WithLogger(c.logger),
		fleet.WithEventHandler(stateLogger{c.logger}),
	}
	if c.cfg.WatchStore {
		opts = append(opts, credwatch.WithDefaultCredentialWatcher())
	}
	e.fleet = fleet.New(transport, store, c.cfg.Fleet(), opts...)

	if err := e.fleet.Start(ctx); err != nil {
		e.close()
		return nil, err
	}
	return e, nil
}

// connect connects every configured device, provisioning where needed, and
// reports per-device failures. It fails only if no device connected.
func (c *cli) connect(ctx context.Context, e *env, network *fleet.NetworkCredentials) error {
	results := e.fleet.ConnectAll(ctx, c.cfg.Devices, network, 0)

	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var ok int
	for _, id := range ids {
		r := results[id]
		switch {
		case r.Err != nil:
			c.logger.Warn("device unavailable", log.Device(id), log.Err(r.Err))
		case r.Provisioned:
			ok++
			c.logger.Info("device provisioned", log.Device(id))
		default:
			ok++
		}
	}
	if ok == 0 && len(ids) > 0 {
		return fmt.Errorf("no device connected")
	}
	return nil
}

func (e *env) close() {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	_ = e.fleet.Stop(ctx)
	if e.sim != nil {
		e.sim.Close()
	}
}

// stateLogger logs device state changes.
type stateLogger struct {
	logger log.Logger
}

func (l stateLogger) OnStateChange(ev fleet.StateChangeEvent) {
	l.logger.Debug("state change",
		log.Device(ev.Device),
		log.String("from", ev.Previous.String()),
		log.String("to", ev.Current.String()),
		log.String("reason", ev.Reason))
}
