package simulation

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/rs/xid"

	"github.com/sarchlab/bindctl/allocator"
	"github.com/sarchlab/bindctl/binding"
	"github.com/sarchlab/bindctl/config"
	"github.com/sarchlab/bindctl/datarecording"
	"github.com/sarchlab/bindctl/monitoring"
	"github.com/sarchlab/bindctl/preferences"
	"github.com/sarchlab/bindctl/sim/hooking"
	"github.com/sarchlab/bindctl/sim/timing"
	"github.com/sarchlab/bindctl/tracing"
)

// Builder can be used to build a simulation.
type Builder struct {
	realTime bool

	monitorOn   bool
	monitorPort int
	openBrowser bool

	recordOn       bool
	outputFileName string
	clickHouseDSN  string

	prefsPath string

	maxBound          int
	reducedMaxBound   int
	minBindDuration   timing.VTimeInSec
	unbindDelay       timing.VTimeInSec
	pressureThreshold float64
	pressureInterval  timing.VTimeInSec

	logger logr.Logger
}

// MakeBuilder creates a new builder with a virtual-time engine, in-memory
// preferences, and neither monitoring nor recording.
func MakeBuilder() Builder {
	return Builder{
		maxBound:         allocator.DefaultMaxBound,
		reducedMaxBound:  allocator.ReducedMaxBound,
		minBindDuration:  binding.DefaultMinBindDuration,
		unbindDelay:      binding.DefaultUnbindDelay,
		pressureInterval: 10,
		logger:           logr.Discard(),
	}
}

// FromConfig applies the settings of c. Memory pressure checks are enabled
// with c's threshold.
func (b Builder) FromConfig(c config.Config) Builder {
	b.maxBound = c.MaxBound
	b.reducedMaxBound = c.ReducedMaxBound
	b.minBindDuration = timing.FromDuration(c.MinBindDuration)
	b.unbindDelay = timing.FromDuration(c.UnbindDelay)
	b.pressureThreshold = c.MemoryPressureThreshold
	b.prefsPath = c.PrefsPath
	b.recordOn = c.Record
	b.outputFileName = c.RecordPath
	b.clickHouseDSN = c.ClickHouseDSN
	b.monitorPort = c.MonitorPort
	b.openBrowser = c.OpenBrowser

	return b
}

// WithRealTimeEngine makes the simulation follow the wall clock.
func (b Builder) WithRealTimeEngine() Builder {
	b.realTime = true
	return b
}

// WithMonitoring starts a monitor on the given port. Port 0 picks a free
// port.
func (b Builder) WithMonitoring(port int) Builder {
	b.monitorOn = true
	b.monitorPort = port

	return b
}

// WithBrowser opens the monitor page once the server is up.
func (b Builder) WithBrowser(open bool) Builder {
	b.openBrowser = open
	return b
}

// WithRecording records transitions into fileName + ".sqlite3". An empty
// name picks a unique one.
func (b Builder) WithRecording(fileName string) Builder {
	b.recordOn = true
	b.outputFileName = fileName

	return b
}

// WithClickHouseRecording records transitions into the ClickHouse database
// dsn points to.
func (b Builder) WithClickHouseRecording(dsn string) Builder {
	b.recordOn = true
	b.clickHouseDSN = dsn

	return b
}

// WithPreferencesPath stores modes in a SQLite file instead of memory.
func (b Builder) WithPreferencesPath(path string) Builder {
	b.prefsPath = path
	return b
}

// WithMaxBound sets the cap of the allocator.
func (b Builder) WithMaxBound(n int) Builder {
	b.maxBound = n
	if b.reducedMaxBound > n {
		b.reducedMaxBound = n
	}

	return b
}

// WithMemoryPressureThreshold enables periodic memory pressure checks
// against the system's used memory percentage.
func (b Builder) WithMemoryPressureThreshold(percent float64) Builder {
	b.pressureThreshold = percent
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l logr.Logger) Builder {
	b.logger = l
	return b
}

func (b Builder) parametersMustBeValid() {
	if !b.monitorOn && b.openBrowser {
		panic("cannot open a browser when monitoring is disabled")
	}
}

// Build builds the simulation.
func (b Builder) Build() (*Simulation, error) {
	b.parametersMustBeValid()

	s := &Simulation{
		id:      xid.New().String(),
		log:     b.logger,
		counter: tracing.NewPositionCounter(),
	}

	if b.realTime {
		s.realTime = timing.NewRealTimeEngine()
		s.engine = s.realTime
	} else {
		s.serial = timing.NewSerialEngine()
		s.engine = s.serial
	}

	if err := b.buildPreferences(s); err != nil {
		return nil, err
	}

	s.connector = NewCountingConnector(b.logger)

	hooks := []hooking.Hook{s.counter}

	if b.recordOn {
		if err := b.buildRecorder(s); err != nil {
			s.Terminate()
			return nil, err
		}

		hooks = append(hooks, s.tracer)
	}

	allocBuilder := allocator.MakeBuilder().
		WithEngine(s.engine).
		WithLogger(b.logger).
		WithMaxBound(b.maxBound).
		WithReducedMaxBound(b.reducedMaxBound).
		WithControllerBuilder(binding.MakeBuilder().
			WithConnector(s.connector).
			WithPreferences(s.prefs).
			WithLogger(b.logger).
			WithMinBindDuration(b.minBindDuration).
			WithUnbindDelay(b.unbindDelay).
			WithHooks(hooks...))

	if b.pressureThreshold > 0 {
		allocBuilder = allocBuilder.WithPressureProbe(
			allocator.SystemMemoryProbe{Threshold: b.pressureThreshold})
		s.pressureInterval = b.pressureInterval
	}

	s.allocator = allocBuilder.Build("allocator")
	for _, hook := range hooks {
		s.allocator.AcceptHook(hook)
	}

	if b.monitorOn {
		if err := b.buildMonitor(s); err != nil {
			s.Terminate()
			return nil, err
		}
	}

	s.startPressureChecks()

	return s, nil
}

func (b Builder) buildPreferences(s *Simulation) error {
	if b.prefsPath == "" {
		s.prefs = preferences.NewMemoryStore()
		return nil
	}

	prefs, err := preferences.OpenSQLite(b.prefsPath)
	if err != nil {
		return fmt.Errorf("building simulation: %w", err)
	}

	s.prefs = prefs

	return nil
}

func (b Builder) buildRecorder(s *Simulation) error {
	if b.clickHouseDSN != "" {
		recorder, err := datarecording.NewClickHouse(b.clickHouseDSN, 0)
		if err != nil {
			return fmt.Errorf("building simulation: %w", err)
		}

		s.dataRecorder = recorder
	} else {
		outputPath := b.outputFileName
		if outputPath == "" {
			outputPath = "bindctl_sim_" + s.id
		}

		s.dataRecorder = datarecording.New(outputPath)
	}

	s.tracer = tracing.NewDBTracer(s.dataRecorder)

	return nil
}

func (b Builder) buildMonitor(s *Simulation) error {
	s.monitor = monitoring.NewMonitor().
		WithPortNumber(b.monitorPort).
		WithBrowser(b.openBrowser).
		WithLogger(b.logger)
	s.monitor.RegisterEngine(s.engine)
	s.monitor.RegisterAllocator(s.allocator)

	_, err := s.monitor.StartServer()

	return err
}
