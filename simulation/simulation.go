// Package simulation wires an engine, an allocator, preferences, recording,
// and monitoring into something that can run a population of handles.
package simulation

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/go-logr/logr"

	"github.com/sarchlab/bindctl/allocator"
	"github.com/sarchlab/bindctl/binding"
	"github.com/sarchlab/bindctl/datarecording"
	"github.com/sarchlab/bindctl/monitoring"
	"github.com/sarchlab/bindctl/preferences"
	"github.com/sarchlab/bindctl/sim/timing"
	"github.com/sarchlab/bindctl/tracing"
)

// ErrWrongEngine is returned when a run method does not match the engine the
// simulation was built with.
var ErrWrongEngine = errors.New("operation not supported by this engine")

// A Simulation owns the services a population of controllers needs.
type Simulation struct {
	id  string
	log logr.Logger

	engine   timing.Engine
	serial   *timing.SerialEngine
	realTime *timing.RealTimeEngine

	allocator *allocator.Allocator
	prefs     preferences.Store
	connector *CountingConnector

	dataRecorder datarecording.DataRecorder
	tracer       *tracing.DBTracer
	counter      *tracing.PositionCounter
	monitor      *monitoring.Monitor

	pressureInterval timing.VTimeInSec
	terminated       bool
}

// ID returns the unique ID of the simulation.
func (s *Simulation) ID() string {
	return s.id
}

// GetEngine returns the engine used in the simulation.
func (s *Simulation) GetEngine() timing.Engine {
	return s.engine
}

// GetAllocator returns the allocator of the simulation.
func (s *Simulation) GetAllocator() *allocator.Allocator {
	return s.allocator
}

// GetPreferences returns where modes are stored.
func (s *Simulation) GetPreferences() preferences.Store {
	return s.prefs
}

// GetConnector returns the connector every controller uses.
func (s *Simulation) GetConnector() *CountingConnector {
	return s.connector
}

// GetDataRecorder returns the data recorder, or nil when not recording.
func (s *Simulation) GetDataRecorder() datarecording.DataRecorder {
	return s.dataRecorder
}

// GetTracer returns the recording tracer, or nil when not recording.
func (s *Simulation) GetTracer() *tracing.DBTracer {
	return s.tracer
}

// GetCounter returns the hook position counter.
func (s *Simulation) GetCounter() *tracing.PositionCounter {
	return s.counter
}

// GetMonitor returns the monitor, or nil when not monitoring.
func (s *Simulation) GetMonitor() *monitoring.Monitor {
	return s.monitor
}

// AddHandle hands h to the allocator. It must be called before the engine
// runs or inside Invoke.
func (s *Simulation) AddHandle(h binding.Handle) *binding.Controller {
	if c, ok := s.allocator.Controller(h.ID()); ok {
		return c
	}

	return s.allocator.Manage(h)
}

// RunUntil advances a virtual-time simulation to t. Progress is shown on the
// monitor, if any.
func (s *Simulation) RunUntil(t timing.VTimeInSec) error {
	if s.serial == nil {
		return ErrWrongEngine
	}

	var bar *monitoring.ProgressBar
	if s.monitor != nil {
		bar = s.monitor.CreateProgressBar("simulate", uint64(math.Ceil(t)))
		defer s.monitor.CompleteProgressBar(bar)
	}

	for s.serial.Now() < t {
		next := math.Min(math.Floor(s.serial.Now())+1, t)

		if err := s.serial.RunUntil(next); err != nil {
			return err
		}

		if bar != nil {
			bar.SetFinished(uint64(next))
		}
	}

	return nil
}

// Serve runs a real-time simulation until ctx is done.
func (s *Simulation) Serve(ctx context.Context) error {
	if s.realTime == nil {
		return ErrWrongEngine
	}

	return s.realTime.Run(ctx)
}

// Summary describes the simulation at the current time.
type Summary struct {
	Time        timing.VTimeInSec
	Handles     int
	Bound       int
	Cap         int
	Binds       int
	Unbinds     int
	FailedBinds int
	PeakBound   int
	Passes      int
	Hooks       map[string]uint64
}

// Summarize collects the counters of the simulation.
func (s *Simulation) Summarize() Summary {
	var sum Summary

	s.engine.Invoke(func() {
		sum.Time = s.engine.Now()
		sum.Cap = s.allocator.Cap()
		sum.Passes = s.allocator.Passes()

		for _, c := range s.allocator.Controllers() {
			sum.Handles++
			if c.Bound() {
				sum.Bound++
			}
		}
	})

	sum.Binds, sum.Unbinds, sum.FailedBinds, sum.PeakBound = s.connector.Stats()

	sum.Hooks = make(map[string]uint64)
	for _, name := range s.counter.Names() {
		sum.Hooks[name] = s.counter.Count(name)
	}

	return sum
}

// Terminate flushes the recording and releases files and servers.
func (s *Simulation) Terminate() error {
	if s.terminated {
		return nil
	}

	s.terminated = true

	var errs []error

	if s.monitor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		errs = append(errs, s.monitor.StopServer(ctx))
		cancel()
	}

	if s.dataRecorder != nil {
		errs = append(errs, s.dataRecorder.Close())
	}

	errs = append(errs, s.prefs.Close())

	return errors.Join(errs...)
}

type pressureCheckEvent struct {
	*timing.EventBase
}

type pressureChecker struct {
	s *Simulation
}

func (p pressureChecker) Handle(e timing.Event) error {
	if _, ok := e.(pressureCheckEvent); !ok {
		return errors.New("pressure checker cannot handle event")
	}

	if err := p.s.allocator.CheckMemoryPressure(); err != nil {
		p.s.log.Error(err, "memory pressure check failed")
	}

	p.schedule(e.Time() + p.s.pressureInterval)

	return nil
}

func (p pressureChecker) schedule(t timing.VTimeInSec) {
	p.s.engine.Schedule(pressureCheckEvent{
		EventBase: timing.NewEventBase(t, p),
	})
}

func (s *Simulation) startPressureChecks() {
	if s.pressureInterval <= 0 {
		return
	}

	pressureChecker{s: s}.schedule(s.engine.Now())
}
