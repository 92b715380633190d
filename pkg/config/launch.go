package config

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/gridlab/pkg/registry"
)

// Launch defaults.
const (
	DefaultSelfHost        = 1
	DefaultPort            = 6379
	DefaultServerPort      = 10000
	DefaultDevicesPerTrial = 1
	DefaultDataRoot        = "./data"
	DefaultLogRoot         = "./logs"
	DefaultSeed            = 1
	DefaultScratchRoot     = "./raydata"
	DefaultNumSamples      = 1
)

// LaunchConfig is the configuration of one experiment launch. A value is
// treated as immutable once it is handed to the launcher: per-trial changes go
// through ApplyOverrides, which returns a new value.
type LaunchConfig struct {
	// ExperimentName names the experiment and its log directory.
	ExperimentName string `json:"experimentname" validate:"required"`

	// ProjectName groups experiments on the remote mirror.
	ProjectName string `json:"projectname"`

	// SelfHost is the number of local devices to start the scheduler with.
	// Zero attaches to an existing cluster at Port.
	SelfHost int `json:"self_host" validate:"gte=0"`

	// CPU runs trials on CPUs only.
	CPU bool `json:"cpu"`

	Port       int `json:"port" validate:"gte=1,lte=65535"`
	ServerPort int `json:"server_port" validate:"gte=1,lte=65535"`

	// GridPath is the grid file describing a sweep. Empty means a single run.
	GridPath string `json:"config"`

	DevicesPerTrial int    `json:"devices_per_trial" validate:"gte=0"`
	DataRoot        string `json:"dataroot" validate:"required"`

	// Remote is the mirror root for tracking data (path, file://, sftp:// or s3:// URI).
	Remote string `json:"remote"`

	LogRoot     string `json:"logroot" validate:"required"`
	Seed        int64  `json:"seed"`
	NumSamples  int    `json:"num_samples" validate:"gte=1"`
	ScratchRoot string `json:"scratch_root" validate:"required"`

	// Params holds free-form experiment hyperparameters.
	Params registry.Params `json:"params,omitempty"`
}

// DefaultLaunchConfig returns a configuration with the launcher defaults.
func DefaultLaunchConfig(experiment string) *LaunchConfig {
	return &LaunchConfig{
		ExperimentName:  experiment,
		SelfHost:        DefaultSelfHost,
		Port:            DefaultPort,
		ServerPort:      DefaultServerPort,
		DevicesPerTrial: DefaultDevicesPerTrial,
		DataRoot:        DefaultDataRoot,
		LogRoot:         DefaultLogRoot,
		Seed:            DefaultSeed,
		NumSamples:      DefaultNumSamples,
		ScratchRoot:     DefaultScratchRoot,
		Params:          registry.Params{},
	}
}

var validate = validator.New()

// Validate checks the struct constraints.
func (c *LaunchConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid launch config: %w", err)
	}
	return nil
}

// Distributed reports whether the launch is a grid sweep.
func (c *LaunchConfig) Distributed() bool {
	return c.GridPath != ""
}

// Clone returns a deep copy of the configuration's own state.
func (c *LaunchConfig) Clone() *LaunchConfig {
	out := *c
	out.Params = c.Params.Clone()
	return &out
}

// ApplyOverrides returns a new configuration with overrides laid over c.
// Every override lands in Params; keys naming a launch field also set that
// field when the value converts. c is never modified.
func (c *LaunchConfig) ApplyOverrides(overrides map[string]any) *LaunchConfig {
	out := c.Clone()
	if len(overrides) == 0 {
		return out
	}

	p := registry.Params(overrides)
	for key, v := range overrides {
		out.Params[key] = v
		if set, ok := fieldSetters[key]; ok {
			// Unconvertible values keep the base field value.
			if err := set(out, p, key); err != nil {
				log.Warn().
					Err(err).
					Str("key", key).
					Interface("value", v).
					Msg("Override does not convert to the launch field, keeping the base value")
			}
		}
	}
	return out
}

type fieldSetter func(c *LaunchConfig, p registry.Params, key string) error

var fieldSetters = map[string]fieldSetter{
	"experimentname": stringSetter(func(c *LaunchConfig) *string { return &c.ExperimentName }),
	"projectname":    stringSetter(func(c *LaunchConfig) *string { return &c.ProjectName }),
	"self_host":      intSetter(func(c *LaunchConfig) *int { return &c.SelfHost }),
	"cpu": func(c *LaunchConfig, p registry.Params, key string) error {
		v, err := p.Bool(key, c.CPU)
		if err != nil {
			return err
		}
		c.CPU = v
		return nil
	},
	"port":              intSetter(func(c *LaunchConfig) *int { return &c.Port }),
	"server_port":       intSetter(func(c *LaunchConfig) *int { return &c.ServerPort }),
	"devices_per_trial": intSetter(func(c *LaunchConfig) *int { return &c.DevicesPerTrial }),
	"num_samples":       intSetter(func(c *LaunchConfig) *int { return &c.NumSamples }),
	"dataroot":          stringSetter(func(c *LaunchConfig) *string { return &c.DataRoot }),
	"remote":            stringSetter(func(c *LaunchConfig) *string { return &c.Remote }),
	"s3":                stringSetter(func(c *LaunchConfig) *string { return &c.Remote }),
	"logroot":           stringSetter(func(c *LaunchConfig) *string { return &c.LogRoot }),
	"scratch_root":      stringSetter(func(c *LaunchConfig) *string { return &c.ScratchRoot }),
	"seed": func(c *LaunchConfig, p registry.Params, key string) error {
		seed, err := p.Int(key, int(c.Seed))
		if err != nil {
			return err
		}
		c.Seed = int64(seed)
		return nil
	},
}

func intSetter(field func(*LaunchConfig) *int) fieldSetter {
	return func(c *LaunchConfig, p registry.Params, key string) error {
		dst := field(c)
		v, err := p.Int(key, *dst)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
}

func stringSetter(field func(*LaunchConfig) *string) fieldSetter {
	return func(c *LaunchConfig, p registry.Params, key string) error {
		dst := field(c)
		v, err := p.String(key, *dst)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
}

// ExperimentDir is the consolidated log directory <logroot>/<experimentname>.
func (c *LaunchConfig) ExperimentDir() string {
	return filepath.Join(c.LogRoot, c.ExperimentName)
}

// RemoteDir is the mirror location <remote>/<projectname>/<experimentname>,
// or "" when no remote is configured.
func (c *LaunchConfig) RemoteDir() string {
	if c.Remote == "" {
		return ""
	}
	return strings.TrimRight(c.Remote, "/") + "/" + path.Join(c.ProjectName, c.ExperimentName)
}

// Metadata flattens the configuration into the parameter map recorded with
// each trial. Params entries win over launch fields of the same name.
func (c *LaunchConfig) Metadata() map[string]any {
	m := map[string]any{
		"experimentname":    c.ExperimentName,
		"projectname":       c.ProjectName,
		"self_host":         c.SelfHost,
		"cpu":               c.CPU,
		"port":              c.Port,
		"server_port":       c.ServerPort,
		"config":            c.GridPath,
		"devices_per_trial": c.DevicesPerTrial,
		"dataroot":          c.DataRoot,
		"remote":            c.Remote,
		"logroot":           c.LogRoot,
		"seed":              c.Seed,
		"num_samples":       c.NumSamples,
	}
	for k, v := range c.Params {
		m[k] = v
	}
	return m
}

// Environment holds the values read from the process environment. Names are
// lowercase to match existing .env files.
type Environment struct {
	ProjectName string `env:"projectname"`
	DataRoot    string `env:"dataroot"`
	Remote      string `env:"remote"`
}

// LoadEnvironment parses the environment.
func LoadEnvironment() (Environment, error) {
	var e Environment
	if err := env.Parse(&e); err != nil {
		return Environment{}, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}

// Apply fills the fields of c that are not set explicitly. explicit lists the
// field keys ("projectname", "dataroot", "remote") already provided by the
// caller.
func (e Environment) Apply(c *LaunchConfig, explicit map[string]bool) {
	if e.ProjectName != "" && !explicit["projectname"] {
		c.ProjectName = e.ProjectName
	}
	if e.DataRoot != "" && !explicit["dataroot"] {
		c.DataRoot = e.DataRoot
	}
	if e.Remote != "" && !explicit["remote"] {
		c.Remote = e.Remote
	}
}
