package driver

import (
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/sentinelsec/sentinel/internal/httputil"
)

// Duration is a [time.Duration] that deserializes from a string like
// "500ms" or "30s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// RateLimit is a client-side limiter setting.
type RateLimit struct {
	RPS   float64 `json:"rps" yaml:"rps"`
	Burst int     `json:"burst" yaml:"burst"`
}

// Retry bounds the per-request retry loop.
type Retry struct {
	MaxAttempts int      `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay   Duration `json:"base_delay" yaml:"base_delay"`
	CapDelay    Duration `json:"cap_delay" yaml:"cap_delay"`
}

// Policy reports the equivalent httputil policy, falling back to defaults
// for zero fields.
func (r Retry) Policy() httputil.RetryPolicy {
	return httputil.RetryPolicy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   time.Duration(r.BaseDelay),
		CapDelay:    time.Duration(r.CapDelay),
	}
}

// Config is the configuration surface common to every connector. Concrete
// connectors embed it and add their own fields.
type Config struct {
	// Regions to enumerate, for cloud sources.
	Regions []string `json:"regions" yaml:"regions"`
	// MaxParallelism caps concurrent sub-requests inside one discovery.
	MaxParallelism int       `json:"max_parallelism" yaml:"max_parallelism"`
	RateLimit      RateLimit `json:"rate_limit" yaml:"rate_limit"`
	Retry          Retry     `json:"retry" yaml:"retry"`
	// PageSize for paginated APIs.
	PageSize int `json:"page_size" yaml:"page_size"`
	// Include and Exclude are per-resource-kind name patterns
	// ([path.Match] syntax). Exclude wins over include; an empty include
	// list allows everything.
	Include map[string][]string `json:"include" yaml:"include"`
	Exclude map[string][]string `json:"exclude" yaml:"exclude"`
}

// Parallelism reports MaxParallelism with a floor of 1 and a default of 4.
func (c *Config) Parallelism() int {
	switch {
	case c.MaxParallelism > 0:
		return c.MaxParallelism
	case c.MaxParallelism == 0:
		return 4
	}
	return 1
}

// Allows reports whether the named resource of the given kind passes the
// include/exclude filters.
func (c *Config) Allows(kind, name string) bool {
	for _, pat := range c.Exclude[kind] {
		if ok, _ := path.Match(pat, name); ok {
			return false
		}
	}
	pats := c.Include[kind]
	if len(pats) == 0 {
		return true
	}
	for _, pat := range pats {
		if ok, _ := path.Match(pat, name); ok {
			return true
		}
	}
	return false
}

// Validate reports configuration errors the framework can detect without
// contacting the source.
func (c *Config) Validate() error {
	if c.MaxParallelism < 0 {
		return fmt.Errorf("max_parallelism must be non-negative: %d", c.MaxParallelism)
	}
	if c.PageSize < 0 {
		return fmt.Errorf("page_size must be non-negative: %d", c.PageSize)
	}
	if c.RateLimit.RPS < 0 {
		return fmt.Errorf("rate_limit.rps must be non-negative: %v", c.RateLimit.RPS)
	}
	return nil
}
