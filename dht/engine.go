package dht

import (
	"github.com/opd-ai/kadnode/engine"
	"github.com/opd-ai/kadnode/routing"
)

// EngineConfig describes the engine a controller needs.
type EngineConfig struct {
	Name  string
	Mode  Mode
	Table routing.RouteTable
}

// EngineFactory creates the engine of a controller.
type EngineFactory func(config EngineConfig) engine.DHT

// NodeEngine returns an EngineFactory creating engine.Nodes. Passive leaf
// engines run without route table maintenance.
func NodeEngine(opts *Options) EngineFactory {
	return func(config EngineConfig) engine.DHT {
		var maintenance *engine.MaintenanceConfig
		if config.Mode != ModePassiveLeaf {
			maintenance = engine.DefaultMaintenanceConfig()
		}
		return engine.NewNode(engine.Config{
			Name:           config.Name,
			RouteTable:     config.Table,
			Firewalled:     config.Mode.IsFirewalled(),
			K:              opts.K,
			RequestTimeout: opts.RequestTimeout,
			Maintenance:    maintenance,
			Listen:         opts.Listen,
			Clock:          opts.Clock,
		})
	}
}
