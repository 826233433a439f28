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

package device

import (
	"fmt"
	"strings"

	"github.com/wedo/devicehandler/internal/pattern"
)

// Device kinds.
const (
	// KindLeak matches leak notifications and extracts from the message body.
	KindLeak = "leak"
	// KindLeakThirdParty matches leak notifications relayed by a third party
	// and extracts from an attribute the collector pre-extracted.
	KindLeakThirdParty = "leak-thirdparty"
	// KindSensor raises a timestamp-only alert for every matching message.
	KindSensor = "sensor"
)

// Text sources.
const (
	SourceBody        = "body"
	sourceFieldPrefix = "field:"
)

// Config is a device's config.yaml.
type Config struct {
	Kind          string           `yaml:"kind"`
	URNs          []string         `yaml:"urn"`
	AlertURN      string           `yaml:"alert_urn"`
	StorePassword string           `yaml:"store_password"`
	Priority      string           `yaml:"priority"`
	Match         pattern.Rule     `yaml:"match"`
	Source        string           `yaml:"source"`
	Fields        map[string][]int `yaml:"fields"`
	// Separator joins multi-token fields.
	Separator string `yaml:"separator"`
}

// withDefaults fills the kind-dependent defaults.
func (c Config) withDefaults(kind string) Config {
	if c.Kind == "" {
		c.Kind = kind
	}
	if c.Source == "" {
		switch c.Kind {
		case KindLeakThirdParty:
			c.Source = sourceFieldPrefix + "text"
		default:
			c.Source = SourceBody
		}
	}
	if c.Separator == "" {
		c.Separator = " "
	}
	return c
}

func (c Config) validate() error {
	switch c.Kind {
	case KindLeak, KindLeakThirdParty, KindSensor:
	default:
		return fmt.Errorf("unknown device kind %q", c.Kind)
	}
	if len(c.URNs) == 0 {
		return fmt.Errorf("device kind %s: urn is required", c.Kind)
	}
	if c.AlertURN == "" {
		return fmt.Errorf("device kind %s: alert_urn is required", c.Kind)
	}
	if c.Match.Address == "" || c.Match.Subject == "" || c.Match.Body == "" {
		return fmt.Errorf("device kind %s: match.address, match.subject and match.body are required", c.Kind)
	}
	if c.Kind != KindSensor && c.Match.Window <= 0 {
		return fmt.Errorf("device kind %s: match.window must be positive", c.Kind)
	}
	if c.Source != SourceBody && !strings.HasPrefix(c.Source, sourceFieldPrefix) {
		return fmt.Errorf("device kind %s: unknown source %q", c.Kind, c.Source)
	}
	return nil
}
