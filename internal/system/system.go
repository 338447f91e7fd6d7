// Package system assembles the tabvolume contexts on one bus: coordinator,
// capture engine, relay supervisor and control panel.
package system

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dgnsrekt/tabvolume/internal/audio"
	"github.com/dgnsrekt/tabvolume/internal/bus"
	"github.com/dgnsrekt/tabvolume/internal/config"
	"github.com/dgnsrekt/tabvolume/internal/control"
	"github.com/dgnsrekt/tabvolume/internal/coordinator"
	"github.com/dgnsrekt/tabvolume/internal/engine"
	"github.com/dgnsrekt/tabvolume/internal/feed"
	"github.com/dgnsrekt/tabvolume/internal/relay"
)

// Hosts are the browser primitives the contexts run on.
type Hosts struct {
	Inventory   coordinator.Inventory
	Permissions coordinator.CapturePermissions
	Engine      coordinator.EngineHost
	Activator   coordinator.TabActivator
	Audio       audio.Context
	Devices     audio.MediaDevices
	Pages       relay.PageHost
}

// Options tune the assembled system.
type Options struct {
	RequestTimeout time.Duration
	ScanInterval   time.Duration
	MaxVolume      float64
	Filters        *config.Filters
	Broker         *feed.Broker
}

// System is a running set of contexts.
type System struct {
	Hub         *bus.Hub
	Coordinator *coordinator.Coordinator
	Engine      *engine.Engine
	Supervisor  *relay.Supervisor
	Panel       *control.Panel

	endpoints []*bus.Endpoint
	cancel    context.CancelFunc
	group     *errgroup.Group
}

// Start opens the endpoints and starts every context. The background
// coordinator comes first since the others query it on start.
func Start(ctx context.Context, hosts Hosts, opts Options) (*System, error) {
	if opts.Filters == nil {
		opts.Filters = config.NoFilters()
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = relay.ScanInterval
	}
	if opts.MaxVolume <= 0 {
		opts.MaxVolume = audio.MaxPercent
	}

	s := &System{Hub: bus.NewHub(bus.WithRequestTimeout(opts.RequestTimeout))}
	open := func(addr bus.Address) (*bus.Endpoint, error) {
		ep, err := s.Hub.Open(addr)
		if err != nil {
			return nil, err
		}
		s.endpoints = append(s.endpoints, ep)
		return ep, nil
	}
	var eps [4]*bus.Endpoint
	for i, addr := range []bus.Address{bus.Background(), bus.Offscreen(), bus.Host(), bus.Popup()} {
		ep, err := open(addr)
		if err != nil {
			s.closeEndpoints()
			return nil, err
		}
		eps[i] = ep
	}
	background, offscreen, host, popup := eps[0], eps[1], eps[2], eps[3]

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.group, runCtx = errgroup.WithContext(runCtx)

	s.Coordinator = coordinator.New(background, coordinator.Host{
		Inventory:   hosts.Inventory,
		Permissions: hosts.Permissions,
		Engine:      hosts.Engine,
		Activator:   hosts.Activator,
	}, opts.MaxVolume)
	s.Coordinator.Start()
	s.group.Go(func() error { return s.Coordinator.Run(runCtx) })

	s.Engine = engine.New(offscreen, hosts.Audio, hosts.Devices)
	if err := s.Engine.Start(ctx); err != nil {
		_ = s.Stop()
		return nil, fmt.Errorf("start engine: %w", err)
	}

	s.Supervisor = relay.NewSupervisor(s.Hub, host, hosts.Pages, opts.Filters, opts.ScanInterval)
	if err := s.Supervisor.Start(ctx); err != nil {
		_ = s.Stop()
		return nil, fmt.Errorf("start relay supervisor: %w", err)
	}

	s.Panel = control.NewPanel(popup, opts.Filters, opts.Broker, opts.MaxVolume)
	if err := s.Panel.Start(ctx); err != nil {
		_ = s.Stop()
		return nil, fmt.Errorf("start control panel: %w", err)
	}

	slog.Info("tabvolume contexts started")
	return s, nil
}

// Wait blocks until a background loop fails or the system is stopped.
func (s *System) Wait() error {
	return s.group.Wait()
}

// Stop tears the contexts down in reverse start order.
func (s *System) Stop() error {
	if s.Panel != nil {
		s.Panel.Stop()
	}
	if s.Supervisor != nil {
		s.Supervisor.Stop()
	}
	if s.Engine != nil {
		s.Engine.Stop()
	}
	if s.Coordinator != nil {
		s.Coordinator.Stop()
	}
	s.cancel()
	err := s.group.Wait()
	s.closeEndpoints()
	return err
}

func (s *System) closeEndpoints() {
	for i := len(s.endpoints) - 1; i >= 0; i-- {
		s.endpoints[i].Close()
	}
	s.endpoints = nil
}
