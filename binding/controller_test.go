package binding

import (
	"errors"
	"math/rand"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	gomock "go.uber.org/mock/gomock"

	"github.com/sarchlab/bindctl/sim/hooking"
	"github.com/sarchlab/bindctl/sim/timing"
)

const handleID = "com.example/.WeatherTile"

var _ = Describe("Controller", func() {
	var (
		mockCtrl  *gomock.Controller
		engine    *timing.SerialEngine
		handle    *MockHandle
		connector *MockConnector
		prefs     *MockPreferences
		allocator *MockAllocator

		pendingAction bool
		binds         int
		unbinds       int
		recalcs       int
		bindErr       error
		errorLogs     []string
		logger        logr.Logger
	)

	newController := func(mode Mode) *Controller {
		prefs.EXPECT().Mode(handleID).Return(mode, nil)

		return MakeBuilder().
			WithEngine(engine).
			WithConnector(connector).
			WithPreferences(prefs).
			WithAllocator(allocator).
			WithLogger(logger).
			Build("tile", handle)
	}

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		engine = timing.NewSerialEngine()
		handle = NewMockHandle(mockCtrl)
		connector = NewMockConnector(mockCtrl)
		prefs = NewMockPreferences(mockCtrl)
		allocator = NewMockAllocator(mockCtrl)

		pendingAction = false
		binds, unbinds, recalcs = 0, 0, 0
		bindErr = nil
		errorLogs = nil
		logger = logr.New(&errorCollector{lines: &errorLogs})

		handle.EXPECT().ID().Return(handleID).AnyTimes()
		handle.EXPECT().HasPendingUserAction().
			DoAndReturn(func() bool { return pendingAction }).
			AnyTimes()
		connector.EXPECT().Bind(handle).
			DoAndReturn(func(Handle) error {
				binds++
				return bindErr
			}).
			AnyTimes()
		connector.EXPECT().Unbind(handle).
			DoAndReturn(func(Handle) error {
				unbinds++
				return nil
			}).
			AnyTimes()
		allocator.EXPECT().Recalculate().
			Do(func() { recalcs++ }).
			AnyTimes()
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	Context("construction", func() {
		It("should not bind a handle with a known mode", func() {
			c := newController(ModePassive)

			Expect(c.Mode()).To(Equal(ModePassive))
			Expect(c.Bound()).To(BeFalse())
			Expect(binds).To(Equal(0))
		})

		It("should bind once when the mode is unset", func() {
			handle.EXPECT().OnAdded()

			c := newController(ModeUnset)

			Expect(binds).To(Equal(1))
			Expect(c.Bound()).To(BeTrue())
			Expect(c.JustBound()).To(BeTrue())
			Expect(c.Requested()).To(BeFalse())
		})

		It("should release the forced bind if nothing requests it", func() {
			handle.EXPECT().OnAdded()
			c := newController(ModeUnset)

			Expect(engine.RunUntil(DefaultUnbindDelay - 0.001)).To(Succeed())
			Expect(c.Bound()).To(BeTrue())

			Expect(engine.RunUntil(DefaultUnbindDelay)).To(Succeed())
			Expect(c.Bound()).To(BeFalse())
			Expect(unbinds).To(Equal(1))
		})

		It("should let the allocator revoke the forced bind", func() {
			handle.EXPECT().OnAdded()
			c := newController(ModeUnset)

			c.SetPermitted(false)

			Expect(c.Bound()).To(BeFalse())
			Expect(c.UnbindPending()).To(BeFalse())
			Expect(unbinds).To(Equal(1))

			c.SetPermitted(false)
			Expect(unbinds).To(Equal(1))
			Expect(errorLogs).To(BeEmpty())
		})

		It("should attach builder hooks before the forced bind", func() {
			var seen []string
			hook := hooking.NewHookFunc(func(ctx hooking.HookCtx) {
				seen = append(seen, ctx.Pos.Name)
			})
			prefs.EXPECT().Mode(handleID).Return(ModeUnset, nil)
			handle.EXPECT().OnAdded()

			MakeBuilder().
				WithEngine(engine).
				WithConnector(connector).
				WithPreferences(prefs).
				WithAllocator(allocator).
				WithHooks(hook).
				Build("tile", handle)

			Expect(seen).To(Equal([]string{"Bind"}))
		})

		It("should fall back to unset when the mode cannot be loaded", func() {
			prefs.EXPECT().Mode(handleID).Return(ModePassive, errors.New("disk gone"))
			handle.EXPECT().OnAdded()

			c := MakeBuilder().
				WithEngine(engine).
				WithConnector(connector).
				WithPreferences(prefs).
				WithAllocator(allocator).
				WithLogger(logger).
				Build("", handle)

			Expect(c.Name()).To(Equal(handleID))
			Expect(c.Mode()).To(Equal(ModeUnset))
			Expect(binds).To(Equal(1))
			Expect(errorLogs).To(ContainElement(ContainSubstring("loading mode")))
		})

		It("should panic without collaborators", func() {
			Expect(func() { MakeBuilder().Build("tile", handle) }).To(Panic())
		})
	})

	Context("request and permission", func() {
		var c *Controller

		BeforeEach(func() {
			c = newController(ModePassive)
		})

		It("should bind once when requested and permitted", func() {
			c.SetPermitted(true)
			c.SetRequested(true)
			c.SetRequested(true)

			Expect(c.Bound()).To(BeTrue())
			Expect(binds).To(Equal(1))
		})

		It("should ask the allocator when requested without permission", func() {
			c.SetRequested(true)

			Expect(c.Bound()).To(BeFalse())
			Expect(recalcs).To(Equal(1))
		})

		It("should bind when permission arrives for a requested handle", func() {
			c.SetRequested(true)
			c.SetPermitted(true)

			Expect(c.Bound()).To(BeTrue())
			Expect(binds).To(Equal(1))
		})

		It("should not bind when permitted but not requested", func() {
			c.SetPermitted(true)

			Expect(c.Bound()).To(BeFalse())
			Expect(binds).To(Equal(0))
		})

		It("should delay the unbind after the request drops", func() {
			c.SetPermitted(true)
			c.SetRequested(true)
			c.SetRequested(false)

			Expect(c.Bound()).To(BeTrue())
			Expect(c.UnbindPending()).To(BeTrue())

			Expect(engine.RunUntil(DefaultUnbindDelay - 0.001)).To(Succeed())
			Expect(c.Bound()).To(BeTrue())

			Expect(engine.RunUntil(DefaultUnbindDelay)).To(Succeed())
			Expect(c.Bound()).To(BeFalse())
			Expect(unbinds).To(Equal(1))
		})

		It("should cancel the delayed unbind when requested again", func() {
			c.SetPermitted(true)
			c.SetRequested(true)
			c.SetRequested(false)

			Expect(engine.RunUntil(10)).To(Succeed())
			c.SetRequested(true)
			Expect(c.UnbindPending()).To(BeFalse())

			Expect(engine.RunUntil(100)).To(Succeed())
			Expect(c.Bound()).To(BeTrue())
			Expect(unbinds).To(Equal(0))
			Expect(binds).To(Equal(1))
		})

		It("should count the delay from the latest drop", func() {
			c.SetPermitted(true)
			c.SetRequested(true)
			c.SetRequested(false)

			Expect(engine.RunUntil(10)).To(Succeed())
			c.SetRequested(true)
			c.SetRequested(false)

			Expect(engine.RunUntil(39)).To(Succeed())
			Expect(c.Bound()).To(BeTrue())

			Expect(engine.RunUntil(40)).To(Succeed())
			Expect(c.Bound()).To(BeFalse())
			Expect(unbinds).To(Equal(1))
		})

		It("should unbind at once when permission is revoked", func() {
			c.SetPermitted(true)
			c.SetRequested(true)
			c.SetRequested(false)

			c.SetPermitted(false)

			Expect(c.Bound()).To(BeFalse())
			Expect(c.UnbindPending()).To(BeFalse())
			Expect(unbinds).To(Equal(1))

			Expect(engine.Run()).To(Succeed())
			Expect(unbinds).To(Equal(1))
		})

		It("should ignore repeated permission changes", func() {
			c.SetPermitted(false)
			c.SetPermitted(true)
			c.SetPermitted(true)

			Expect(binds).To(Equal(0))
			Expect(unbinds).To(Equal(0))
		})

		It("should keep bound iff requested and permitted", func() {
			r := rand.New(rand.NewSource(7))

			for step := 0; step < 500; step++ {
				switch r.Intn(3) {
				case 0:
					c.SetRequested(r.Intn(2) == 0)
				case 1:
					c.SetPermitted(r.Intn(2) == 0)
				case 2:
					now := engine.Now()
					Expect(engine.RunUntil(now + float64(r.Intn(40)))).To(Succeed())
				}

				if !c.Permitted() {
					Expect(c.Bound()).To(BeFalse())
				}

				if c.Permitted() && c.Requested() {
					Expect(c.Bound()).To(BeTrue())
				}

				if c.Bound() && !c.Requested() {
					Expect(c.UnbindPending()).To(BeTrue())
				}
			}

			Expect(binds - unbinds).To(Or(Equal(0), Equal(1)))
		})
	})

	Context("minimum bind window", func() {
		var c *Controller

		BeforeEach(func() {
			c = newController(ModePassive)
			c.SetPermitted(true)
		})

		It("should clear just-bound after the window and recalculate", func() {
			c.SetRequested(true)
			Expect(c.JustBound()).To(BeTrue())
			recalcs = 0

			Expect(engine.RunUntil(DefaultMinBindDuration - 0.001)).To(Succeed())
			Expect(c.JustBound()).To(BeTrue())

			Expect(engine.RunUntil(DefaultMinBindDuration)).To(Succeed())
			Expect(c.JustBound()).To(BeFalse())
			Expect(recalcs).To(Equal(1))
		})

		It("should measure the window from the latest bind", func() {
			c.SetRequested(true)

			Expect(engine.RunUntil(2)).To(Succeed())
			c.SetPermitted(false)
			Expect(c.JustBound()).To(BeFalse())

			Expect(engine.RunUntil(3)).To(Succeed())
			c.SetPermitted(true)
			Expect(c.JustBound()).To(BeTrue())

			Expect(engine.RunUntil(3 + DefaultMinBindDuration - 0.001)).To(Succeed())
			Expect(c.JustBound()).To(BeTrue())

			Expect(engine.RunUntil(3 + DefaultMinBindDuration)).To(Succeed())
			Expect(c.JustBound()).To(BeFalse())
		})

		It("should not be affected by request changes", func() {
			c.SetRequested(true)
			c.SetRequested(false)
			c.SetRequested(true)

			Expect(c.JustBound()).To(BeTrue())
			Expect(engine.RunUntil(DefaultMinBindDuration)).To(Succeed())
			Expect(c.JustBound()).To(BeFalse())
		})
	})

	Context("priority", func() {
		var c *Controller

		BeforeEach(func() {
			c = newController(ModePassive)
		})

		It("should put a pending user action above everything", func() {
			pendingAction = true
			c.SetShowingUI(true)
			c.SetPermitted(true)
			c.SetRequested(true)

			Expect(c.ComputePriority(100)).To(Equal(PriorityMax))
			Expect(c.Priority()).To(Equal(PriorityMax))
		})

		It("should rank showing UI next", func() {
			c.SetShowingUI(true)
			c.SetPermitted(true)
			c.SetRequested(true)

			Expect(c.ComputePriority(0)).To(Equal(PriorityMax - 1))
		})

		It("should protect just-bound controllers", func() {
			c.SetPermitted(true)
			c.SetRequested(true)

			Expect(c.ComputePriority(0)).To(Equal(PriorityMax - 2))
		})

		It("should rank unrequested controllers last", func() {
			Expect(c.ComputePriority(1000)).To(Equal(PriorityMin))
		})

		It("should grow with idle time and saturate", func() {
			c.SetRequested(true)
			c.RecordActivity(10)

			Expect(c.ComputePriority(10)).To(Equal(0))
			Expect(c.ComputePriority(10.5)).To(Equal(500))
			Expect(c.ComputePriority(5)).To(Equal(0))
			Expect(c.ComputePriority(1e9)).To(Equal(PriorityIdleCap))

			last := -1
			for now := 10.0; now < 4e6; now *= 1.7 {
				p := c.ComputePriority(now)
				Expect(p).To(BeNumerically(">=", last))
				Expect(p).To(BeNumerically("<=", PriorityIdleCap))
				last = p
			}
			Expect(last).To(Equal(PriorityIdleCap))
		})

		It("should report priorities to hooks", func() {
			var seen []int
			c.AcceptHook(hooking.NewHookFunc(func(ctx hooking.HookCtx) {
				if ctx.Pos == HookPosPriority {
					seen = append(seen, ctx.Detail.(Transition).Priority)
				}
			}))

			c.ComputePriority(0)

			Expect(seen).To(Equal([]int{PriorityMin}))
		})
	})

	Context("activity", func() {
		It("should release an active-mode handle after activity", func() {
			c := newController(ModeActive)
			c.SetPermitted(true)
			c.SetRequested(true)
			handle.EXPECT().OnStopListening()

			c.RecordActivity(3)

			Expect(c.LastActivity()).To(Equal(timing.VTimeInSec(3)))
			Expect(c.Requested()).To(BeFalse())
			Expect(c.UnbindPending()).To(BeTrue())
			Expect(c.Bound()).To(BeTrue())
		})

		It("should only record activity of a passive handle", func() {
			c := newController(ModePassive)
			c.SetPermitted(true)
			c.SetRequested(true)
			recalcs = 0

			c.RecordActivity(3)

			Expect(c.Requested()).To(BeTrue())
			Expect(recalcs).To(Equal(1))
		})

		It("should not stop an unbound active handle", func() {
			c := newController(ModeActive)

			c.RecordActivity(3)

			Expect(c.LastActivity()).To(Equal(timing.VTimeInSec(3)))
		})
	})

	Context("mode", func() {
		It("should persist the mode and recalculate", func() {
			c := newController(ModePassive)
			prefs.EXPECT().SetMode(handleID, ModeActive).Return(nil)

			Expect(c.SetMode(ModeActive)).To(Succeed())
			Expect(c.Mode()).To(Equal(ModeActive))
			Expect(recalcs).To(Equal(1))
		})

		It("should keep the mode when persisting fails", func() {
			c := newController(ModePassive)
			prefs.EXPECT().SetMode(handleID, ModeActive).Return(errors.New("read-only"))

			err := c.SetMode(ModeActive)

			Expect(err).To(MatchError(ContainSubstring("read-only")))
			Expect(c.Mode()).To(Equal(ModePassive))
			Expect(recalcs).To(Equal(0))
		})
	})

	Context("failures and misuse", func() {
		It("should roll back a failed bind", func() {
			c := newController(ModePassive)
			bindErr = errors.New("provider gone")

			c.SetPermitted(true)
			c.SetRequested(true)

			Expect(c.Bound()).To(BeFalse())
			Expect(c.JustBound()).To(BeFalse())
			Expect(recalcs).To(Equal(1))

			recalcs = 0
			Expect(engine.Run()).To(Succeed())
			Expect(recalcs).To(Equal(0))
		})

		It("should log and ignore redundant bind and unbind", func() {
			c := newController(ModePassive)

			c.unbind()
			Expect(unbinds).To(Equal(0))

			c.SetPermitted(true)
			c.SetRequested(true)
			c.bind()

			Expect(binds).To(Equal(1))
			Expect(c.Bound()).To(BeTrue())
			Expect(errorLogs).To(HaveLen(2))
		})

		It("should reject unknown events", func() {
			c := newController(ModePassive)

			err := c.Handle(timing.NewEventBase(0, c))

			Expect(err).To(HaveOccurred())
		})
	})

	Context("destroy", func() {
		It("should unbind, invalidate timers and ignore later calls", func() {
			c := newController(ModePassive)
			c.SetPermitted(true)
			c.SetRequested(true)
			c.SetRequested(false)
			handle.EXPECT().OnDestroy()

			c.Destroy()
			c.Destroy()

			Expect(c.Destroyed()).To(BeTrue())
			Expect(c.Bound()).To(BeFalse())
			Expect(unbinds).To(Equal(1))

			c.SetRequested(true)
			Expect(c.SetMode(ModeActive)).To(MatchError(ErrDestroyed))
			Expect(c.ComputePriority(0)).To(Equal(PriorityMin))

			recalcs = 0
			Expect(engine.Run()).To(Succeed())
			Expect(binds).To(Equal(1))
			Expect(unbinds).To(Equal(1))
			Expect(recalcs).To(Equal(0))
		})
	})
})

// errorCollector is a logr sink that keeps the messages of Error calls.
type errorCollector struct {
	lines *[]string
}

func (s *errorCollector) Init(logr.RuntimeInfo) {}

func (s *errorCollector) Enabled(int) bool { return false }

func (s *errorCollector) Info(int, string, ...any) {}

func (s *errorCollector) WithValues(...any) logr.LogSink { return s }

func (s *errorCollector) WithName(string) logr.LogSink { return s }

func (s *errorCollector) Error(_ error, msg string, _ ...any) {
	*s.lines = append(*s.lines, msg)
}
