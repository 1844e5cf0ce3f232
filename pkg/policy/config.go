// Package policy implements the decision engine that gates every prepared and
// broadcast action. Decide is a pure function of (Config, Context): no I/O, no
// mutation, deterministic output — which is what makes decisions replayable
// and their hashes stable.
package policy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfirmationPolicy controls when the limits gate forces caller confirmation.
type ConfirmationPolicy string

const (
	ConfirmNever  ConfirmationPolicy = "never"
	ConfirmLarge  ConfirmationPolicy = "large"
	ConfirmAlways ConfirmationPolicy = "always"
)

// RuleBackend selects the language custom rule conditions are written in.
type RuleBackend string

const (
	// BackendDSL is the in-house expression language (pkg/ruledsl). Default.
	BackendDSL RuleBackend = "dsl"
	// BackendCEL evaluates conditions as CEL programs against a `ctx` map.
	BackendCEL RuleBackend = "cel"
)

// NetworkGate is the per-network switchboard.
type NetworkGate struct {
	Enabled           bool    `yaml:"enabled" json:"enabled"`
	Mainnet           bool    `yaml:"mainnet" json:"mainnet"`
	RequireApproval   bool    `yaml:"requireApproval" json:"requireApproval"`
	RequireSimulation bool    `yaml:"requireSimulation" json:"requireSimulation"`
	MaxDailyVolume    float64 `yaml:"maxDailyVolume" json:"maxDailyVolume"`
}

// Limits bounds individual transactions.
type Limits struct {
	MaxSingleAmount     float64            `yaml:"maxSingleAmount" json:"maxSingleAmount"`
	MaxSlippageBps      int                `yaml:"maxSlippageBps" json:"maxSlippageBps"`
	RequireConfirmation ConfirmationPolicy `yaml:"requireConfirmation" json:"requireConfirmation"`
	// LargeAmount is the threshold for RequireConfirmation=large. Zero means
	// half of MaxSingleAmount.
	LargeAmount float64 `yaml:"largeAmount" json:"largeAmount"`
}

// Allowlist restricts actions and chain-specific identifiers (token mints,
// program ids). An empty list disables that check; a populated identifier
// list makes unverifiable extraction a block.
type Allowlist struct {
	Actions     []string            `yaml:"actions" json:"actions"`
	Identifiers map[string][]string `yaml:"identifiers" json:"identifiers"` // keyed by chain
}

// RateGate bounds broadcast frequency from the trailing-window signals.
type RateGate struct {
	SoftPerMinute int `yaml:"softPerMinute" json:"softPerMinute"` // confirm above this
	HardPerMinute int `yaml:"hardPerMinute" json:"hardPerMinute"` // block above this
}

// Rule is a custom policy rule. Rules run after the built-in gates, in listed
// order; the first rule whose condition matches and whose action is not
// "allow" wins.
type Rule struct {
	Name      string `yaml:"name" json:"name"`
	Condition string `yaml:"condition" json:"condition"`
	Action    string `yaml:"action" json:"action"` // allow | warn | confirm | block
	Message   string `yaml:"message" json:"message"`
}

// Config is the full policy configuration. Immutable once loaded for a given
// evaluation.
type Config struct {
	Networks        map[string]NetworkGate `yaml:"networks" json:"networks"`
	Limits          Limits                 `yaml:"limits" json:"limits"`
	Allowlist       Allowlist              `yaml:"allowlist" json:"allowlist"`
	Rate            RateGate               `yaml:"rate" json:"rate"`
	Rules           []Rule                 `yaml:"rules" json:"rules"`
	RuleBackend     RuleBackend            `yaml:"ruleBackend" json:"ruleBackend"`
	RiskAcceptances []string               `yaml:"riskAcceptances" json:"riskAcceptances"`
}

// LoadConfig reads a YAML policy profile.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read profile: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("policy: parse profile %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects profiles that would otherwise fail at evaluation time.
func (c *Config) Validate() error {
	switch c.Limits.RequireConfirmation {
	case "", ConfirmNever, ConfirmLarge, ConfirmAlways:
	default:
		return fmt.Errorf("policy: unknown confirmation policy %q", c.Limits.RequireConfirmation)
	}
	switch c.RuleBackend {
	case "", BackendDSL, BackendCEL:
	default:
		return fmt.Errorf("policy: unknown rule backend %q", c.RuleBackend)
	}
	for i, r := range c.Rules {
		switch r.Action {
		case "allow", "warn", "confirm", "block":
		default:
			return fmt.Errorf("policy: rule %d (%s): unknown action %q", i, r.Name, r.Action)
		}
	}
	return nil
}

// gate returns the gate for a network, with a fail-closed default for unknown
// mainnet-like networks.
func (c *Config) gate(network string) NetworkGate {
	if g, ok := c.Networks[network]; ok {
		if !g.Mainnet && mainnetLike(network) {
			g.Mainnet = true
		}
		return g
	}
	// Unknown network: mainnet-like names are disabled, everything else is a
	// permissive dev network.
	if mainnetLike(network) {
		return NetworkGate{Enabled: false, Mainnet: true}
	}
	return NetworkGate{Enabled: true}
}

func mainnetLike(network string) bool {
	return strings.HasPrefix(strings.ToLower(network), "mainnet")
}

func (c *Config) largeAmount() float64 {
	if c.Limits.LargeAmount > 0 {
		return c.Limits.LargeAmount
	}
	return c.Limits.MaxSingleAmount / 2
}

func (c *Config) riskAccepted(flag string) bool {
	for _, a := range c.RiskAcceptances {
		if a == flag {
			return true
		}
	}
	return false
}
