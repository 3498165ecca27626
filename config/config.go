// Package config loads the settings of the bindctl tools from .env files and
// the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrInvalid is wrapped by every validation and parsing error.
var ErrInvalid = errors.New("invalid configuration")

// Prefix starts the name of every environment variable read.
const Prefix = "BINDCTL_"

// Config holds everything the tools can be configured with.
type Config struct {
	MaxBound                int
	ReducedMaxBound         int
	MinBindDuration         time.Duration
	UnbindDelay             time.Duration
	MemoryPressureThreshold float64

	PrefsPath  string
	RecordPath string
	Record     bool

	// ClickHouseDSN, when set, sends recordings to ClickHouse instead of
	// a SQLite file.
	ClickHouseDSN string

	MonitorPort int
	OpenBrowser bool

	LogDevelopment bool
	LogVerbosity   int
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		MaxBound:                3,
		ReducedMaxBound:         1,
		MinBindDuration:         5 * time.Second,
		UnbindDelay:             30 * time.Second,
		MemoryPressureThreshold: 90,
		PrefsPath:               "bindctl_prefs.sqlite3",
	}
}

// Load reads the given .env files, then the process environment, on top of
// the defaults. Variables already set in the environment win over the files.
// Files that do not exist are skipped.
func Load(envFiles ...string) (Config, error) {
	fileVars := map[string]string{}

	for _, f := range envFiles {
		vars, err := godotenv.Read(f)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}

		if err != nil {
			return Config{}, fmt.Errorf("reading %s: %w", f, err)
		}

		for k, v := range vars {
			fileVars[k] = v
		}
	}

	return FromLookup(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}

		v, ok := fileVars[key]

		return v, ok
	})
}

// FromLookup builds a Config from the defaults and the variables lookup
// finds.
func FromLookup(lookup func(key string) (string, bool)) (Config, error) {
	c := Default()
	p := parser{lookup: lookup}

	p.setInt("MAX_BOUND", &c.MaxBound)
	p.setInt("REDUCED_MAX_BOUND", &c.ReducedMaxBound)
	p.setDuration("MIN_BIND_DURATION", &c.MinBindDuration)
	p.setDuration("UNBIND_DELAY", &c.UnbindDelay)
	p.setFloat("MEMORY_PRESSURE_THRESHOLD", &c.MemoryPressureThreshold)
	p.setString("PREFS_PATH", &c.PrefsPath)
	p.setString("RECORD_PATH", &c.RecordPath)
	p.setBool("RECORD", &c.Record)
	p.setString("CLICKHOUSE_DSN", &c.ClickHouseDSN)
	p.setInt("MONITOR_PORT", &c.MonitorPort)
	p.setBool("OPEN_BROWSER", &c.OpenBrowser)
	p.setBool("LOG_DEVELOPMENT", &c.LogDevelopment)
	p.setInt("LOG_VERBOSITY", &c.LogVerbosity)

	if len(p.errs) > 0 {
		return Config{}, errors.Join(p.errs...)
	}

	return c, c.Validate()
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	var errs []error

	if c.MaxBound < 1 {
		errs = append(errs, invalid("MAX_BOUND must be at least 1"))
	}

	if c.ReducedMaxBound < 0 || c.ReducedMaxBound > c.MaxBound {
		errs = append(errs,
			invalid("REDUCED_MAX_BOUND must be between 0 and MAX_BOUND"))
	}

	if c.MinBindDuration < 0 || c.UnbindDelay < 0 {
		errs = append(errs, invalid("durations must not be negative"))
	}

	if c.MemoryPressureThreshold <= 0 || c.MemoryPressureThreshold > 100 {
		errs = append(errs,
			invalid("MEMORY_PRESSURE_THRESHOLD must be a percentage"))
	}

	if c.MonitorPort < 0 || c.MonitorPort > 65535 {
		errs = append(errs, invalid("MONITOR_PORT out of range"))
	}

	return errors.Join(errs...)
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalid, msg)
}

type parser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *parser) get(name string) (string, bool) {
	v, ok := p.lookup(Prefix + name)
	if !ok {
		return "", false
	}

	return strings.TrimSpace(v), true
}

func (p *parser) fail(name, value string, err error) {
	p.errs = append(p.errs,
		fmt.Errorf("%w: %s%s=%q: %v", ErrInvalid, Prefix, name, value, err))
}

func (p *parser) setString(name string, dst *string) {
	if v, ok := p.get(name); ok {
		*dst = v
	}
}

func (p *parser) setInt(name string, dst *int) {
	v, ok := p.get(name)
	if !ok {
		return
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(name, v, err)
		return
	}

	*dst = n
}

func (p *parser) setFloat(name string, dst *float64) {
	v, ok := p.get(name)
	if !ok {
		return
	}

	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(name, v, err)
		return
	}

	*dst = f
}

func (p *parser) setBool(name string, dst *bool) {
	v, ok := p.get(name)
	if !ok {
		return
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(name, v, err)
		return
	}

	*dst = b
}

func (p *parser) setDuration(name string, dst *time.Duration) {
	v, ok := p.get(name)
	if !ok {
		return
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(name, v, err)
		return
	}

	*dst = d
}
