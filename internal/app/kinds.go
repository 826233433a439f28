// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package app

import (
	"github.com/wedo/devicehandler/internal/collector"
	"github.com/wedo/devicehandler/internal/device"
	"github.com/wedo/devicehandler/internal/metrics"
	"github.com/wedo/devicehandler/internal/registry"
)

// Roles of the two plugin directories.
var (
	CollectorRole = registry.Role{Name: "collector", Manifest: collector.Manifest, Ops: collector.RequiredOps}
	DeviceRole    = registry.Role{Name: "device", Manifest: device.Manifest, Ops: device.RequiredOps}
)

// Deps are the shared components handed to every built unit.
type Deps struct {
	Dispatcher collector.Dispatcher
	Dedup      collector.Deduper
	Metrics    *metrics.Metrics
}

// Registries returns the collector and device registries holding every
// built-in kind.
func Registries(deps Deps) (collectors, devices *registry.Registry) {
	collectors = registry.New(CollectorRole)
	collectors.MustRegister(registry.Kind{
		Name:        collector.KindMail,
		Description: "Watches every tenant mailbox listed by the configuration service",
		Factory: func(u registry.Unit) (any, error) {
			var cfg collector.Config
			if err := u.Decode(&cfg); err != nil {
				return nil, err
			}
			opts := []collector.Option{
				collector.WithDispatcher(deps.Dispatcher),
				collector.WithMetrics(deps.Metrics),
			}
			if deps.Dedup != nil {
				opts = append(opts, collector.WithDedup(deps.Dedup))
			}
			return collector.NewMailCollector(u.Name, cfg, opts...)
		},
	})

	devices = registry.New(DeviceRole)
	for _, k := range []struct{ name, desc string }{
		{device.KindLeak, "Leak alarms extracted from the message body"},
		{device.KindLeakThirdParty, "Leak alarms relayed by a third party, extracted from a collector attribute"},
		{device.KindSensor, "Timestamp-only alerts for every matching message"},
	} {
		devices.MustRegister(registry.Kind{
			Name:        k.name,
			Description: k.desc,
			Factory: func(u registry.Unit) (any, error) {
				var cfg device.Config
				if err := u.Decode(&cfg); err != nil {
					return nil, err
				}
				return device.New(u.Name, u.Dir, k.name, cfg, device.WithMetrics(deps.Metrics))
			},
		})
	}
	return collectors, devices
}
