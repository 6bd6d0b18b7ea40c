package model

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"
	"github.com/spf13/viper"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}
	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version int     `json:"version" yaml:"version"` // fixed 0 for now
	Service Service `json:"service" yaml:"service"`
	Prover  Prover  `json:"prover" yaml:"prover"`
	Pool    Pool    `json:"pool" yaml:"pool"`
	Dedup   Dedup   `json:"dedup" yaml:"dedup"`
	Monitor Monitor `json:"monitor" yaml:"monitor"`
	Store   *Store  `json:"store,omitempty" yaml:"store,omitempty"`
}

type Service struct {
	Verbose bool   `json:"verbose" yaml:"verbose"`
	Log     string `json:"log" yaml:"log"` // "stderr"|"stdout"|"discard"|path
	Addr    string `json:"addr" yaml:"addr"`
}

// Prover describes the external proving program and its contract.
type Prover struct {
	Path         string            `json:"path" yaml:"path"`
	Args         []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env          map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	WorkDir      string            `json:"workdir" yaml:"workdir"`
	ProofDir     string            `json:"proof_dir" yaml:"proof_dir"`
	Artifact     string            `json:"artifact" yaml:"artifact"`
	ValueEnv     string            `json:"value_env" yaml:"value_env"`
	PollInterval string            `json:"poll_interval" yaml:"poll_interval"`
	HardTimeout  string            `json:"hard_timeout" yaml:"hard_timeout"`
	GracePeriod  string            `json:"grace_period" yaml:"grace_period"`
}

type Pool struct {
	Size        int    `json:"size" yaml:"size"`
	Queue       int    `json:"queue" yaml:"queue"`
	DequeueWait string `json:"dequeue_wait" yaml:"dequeue_wait"`
}

type Dedup struct {
	Window string `json:"window" yaml:"window"`
}

// Monitor schedules the health sweep, Cron wins over Every.
type Monitor struct {
	Cron  string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Every string `json:"every" yaml:"every"`
}

type Store struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url" yaml:"url"`
	Prefix  string `json:"prefix" yaml:"prefix"`
}

// Timeouts holds the parsed prover durations.
type Timeouts struct {
	Poll  time.Duration
	Hard  time.Duration
	Grace time.Duration
}

func (p Prover) Timeouts() (Timeouts, error) {
	var t Timeouts
	var err error
	if t.Poll, err = ParseDuration(p.PollInterval); err != nil {
		return t, fmt.Errorf("prover.poll_interval: %w", err)
	}
	if t.Hard, err = ParseDuration(p.HardTimeout); err != nil {
		return t, fmt.Errorf("prover.hard_timeout: %w", err)
	}
	if t.Grace, err = ParseDuration(p.GracePeriod); err != nil {
		return t, fmt.Errorf("prover.grace_period: %w", err)
	}
	switch {
	case t.Poll <= 0:
		return t, fmt.Errorf("prover.poll_interval: must be positive, got %s", t.Poll)
	case t.Hard <= 0:
		return t, fmt.Errorf("prover.hard_timeout: must be positive, got %s", t.Hard)
	case t.Grace < 0:
		return t, fmt.Errorf("prover.grace_period: must not be negative, got %s", t.Grace)
	}
	return t, nil
}

func (p Pool) Wait() (time.Duration, error) {
	return positive("pool.dequeue_wait", p.DequeueWait)
}

func (d Dedup) WindowDuration() (time.Duration, error) {
	return positive("dedup.window", d.Window)
}

func positive(key, s string) (time.Duration, error) {
	d, err := ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %s", key, d)
	}
	return d, nil
}

// DefaultConfig is stored on a first run when no config file exists.
func DefaultConfig(_ context.Context) Config {
	return Config{
		Version: 0,
		Service: Service{
			Log:  LogStderr,
			Addr: ":8000",
		},
		Prover: Prover{
			Path:         "./prove.sh",
			WorkDir:      ".",
			ProofDir:     "proofs",
			Artifact:     "vadcop_final_proof.bin",
			ValueEnv:     "PROOFD_VALUE",
			PollInterval: "30s",
			HardTimeout:  "45m",
			GracePeriod:  "10s",
		},
		Pool: Pool{
			Size:        2,
			Queue:       1024,
			DequeueWait: "1s",
		},
		Dedup:   Dedup{Window: "30s"},
		Monitor: Monitor{Every: "60s"},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ApplyEnv overrides selected keys from PROOFD_* environment variables,
// e.g. PROOFD_PROVER_PATH or PROOFD_POOL_SIZE.
func ApplyEnv(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix("PROOFD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	str := func(key string, dst *string) {
		if s := v.GetString(key); s != "" {
			*dst = s
		}
	}
	str("service.addr", &cfg.Service.Addr)
	str("service.log", &cfg.Service.Log)
	str("prover.path", &cfg.Prover.Path)
	str("prover.workdir", &cfg.Prover.WorkDir)
	str("prover.hard_timeout", &cfg.Prover.HardTimeout)
	str("prover.poll_interval", &cfg.Prover.PollInterval)
	str("dedup.window", &cfg.Dedup.Window)
	if v.IsSet("service.verbose") {
		cfg.Service.Verbose = v.GetBool("service.verbose")
	}
	if n := v.GetInt("pool.size"); n > 0 {
		cfg.Pool.Size = n
	}
	if s := v.GetString("store.url"); s != "" {
		if cfg.Store == nil {
			cfg.Store = &Store{Prefix: "proofd"}
		}
		cfg.Store.Enabled = true
		cfg.Store.URL = s
	}
}
