package scan

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPollInterval is used for sensors with an apiUrl but no pollInterval
const DefaultPollInterval = 2 * time.Second

// DefaultConfig returns a configuration with matcher and ICP defaults and no sensors
func DefaultConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{
			PublishPrefix: "scanmesh",
			ClientID:      "scanmesh",
		},
		Matcher: DefaultMatcherConfig(),
		ICP:     DefaultICPConfig(),
	}
}

// LoadConfig loads the configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	return config, nil
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	if len(c.Sensors) == 0 {
		return fmt.Errorf("at least one sensor must be defined")
	}

	seen := make(map[string]bool)
	for i, sc := range c.Sensors {
		if sc.ID == "" {
			return fmt.Errorf("sensors[%d].id is required", i)
		}
		if seen[sc.ID] {
			return fmt.Errorf("sensors[%d].id %q is duplicated", i, sc.ID)
		}
		seen[sc.ID] = true
		if sc.Topic == "" && sc.GetApiURL() == "" {
			return fmt.Errorf("sensors[%d].topic or apiUrl is required for %s", i, sc.ID)
		}
	}

	switch c.Matcher.HintPolicy {
	case "", HintResetOnMiss, HintKeepOnMiss:
	default:
		return fmt.Errorf("matcher.hintPolicy must be %q or %q, got %q", HintResetOnMiss, HintKeepOnMiss, c.Matcher.HintPolicy)
	}
	if c.Matcher.ToleranceFactor < 0 {
		return fmt.Errorf("matcher.toleranceFactor must not be negative")
	}
	if c.ICP.KeepFraction < 0 || c.ICP.KeepFraction > 1 {
		return fmt.Errorf("icp.keepFraction must be within [0, 1], got %v", c.ICP.KeepFraction)
	}

	return nil
}

// applyDefaults fills zero values left by a partial config file
func (c *Config) applyDefaults() {
	def := DefaultICPConfig()
	if c.ICP.MaxIterations <= 0 {
		c.ICP.MaxIterations = def.MaxIterations
	}
	if c.ICP.ConvergenceThresh <= 0 {
		c.ICP.ConvergenceThresh = def.ConvergenceThresh
	}
	if c.ICP.MaxCorrespondDist <= 0 {
		c.ICP.MaxCorrespondDist = def.MaxCorrespondDist
	}
	if c.ICP.KeepFraction == 0 {
		c.ICP.KeepFraction = def.KeepFraction
	}
	if c.Matcher.ToleranceFactor == 0 {
		c.Matcher.ToleranceFactor = DefaultToleranceFactor
	}
	if c.Matcher.HintPolicy == "" {
		c.Matcher.HintPolicy = HintResetOnMiss
	}
	for i := range c.Sensors {
		if c.Sensors[i].GetApiURL() != "" && c.Sensors[i].PollInterval <= 0 {
			c.Sensors[i].PollInterval = DefaultPollInterval
		}
	}
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
