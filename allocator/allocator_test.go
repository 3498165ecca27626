package allocator_test

import (
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/bindctl/allocator"
	"github.com/sarchlab/bindctl/binding"
	"github.com/sarchlab/bindctl/preferences"
	"github.com/sarchlab/bindctl/sim/hooking"
	"github.com/sarchlab/bindctl/sim/timing"
)

type fakeHandle struct {
	id        string
	destroyed bool
}

func (h *fakeHandle) ID() string                 { return h.id }
func (h *fakeHandle) HasPendingUserAction() bool { return false }
func (h *fakeHandle) OnAdded()                   {}
func (h *fakeHandle) OnStopListening()           {}
func (h *fakeHandle) OnDestroy()                 { h.destroyed = true }

type countingConnector struct {
	bound map[string]bool
	peak  int
}

func (c *countingConnector) Bind(h binding.Handle) error {
	c.bound[h.ID()] = true
	if len(c.bound) > c.peak {
		c.peak = len(c.bound)
	}

	return nil
}

func (c *countingConnector) Unbind(h binding.Handle) error {
	delete(c.bound, h.ID())
	return nil
}

type fakeProbe struct {
	under bool
	err   error
}

func (p *fakeProbe) UnderPressure() (bool, error) {
	return p.under, p.err
}

var _ = Describe("Allocator", func() {
	var (
		engine      *timing.SerialEngine
		connector   *countingConnector
		prefs       *preferences.MemoryStore
		probe       *fakeProbe
		a           *allocator.Allocator
		handles     []*fakeHandle
		controllers []*binding.Controller
	)

	manage := func(n int) {
		for i := 0; i < n; i++ {
			h := &fakeHandle{id: fmt.Sprintf("tile.%d", i)}
			Expect(prefs.SetMode(h.id, binding.ModePassive)).To(Succeed())

			c := a.Manage(h)
			c.SetRequested(true)

			handles = append(handles, h)
			controllers = append(controllers, c)
		}
	}

	boundIDs := func() []string {
		var ids []string
		for _, c := range a.Controllers() {
			if c.Bound() {
				ids = append(ids, c.HandleID())
			}
		}

		return ids
	}

	BeforeEach(func() {
		engine = timing.NewSerialEngine()
		connector = &countingConnector{bound: make(map[string]bool)}
		prefs = preferences.NewMemoryStore()
		probe = &fakeProbe{}
		handles = nil
		controllers = nil

		a = allocator.MakeBuilder().
			WithEngine(engine).
			WithControllerBuilder(binding.MakeBuilder().
				WithConnector(connector).
				WithPreferences(prefs)).
			WithPressureProbe(probe).
			Build("tiles")
	})

	It("should bind at most the cap, in registration order on ties", func() {
		manage(5)

		Expect(engine.RunUntil(0)).To(Succeed())

		Expect(boundIDs()).To(Equal([]string{"tile.0", "tile.1", "tile.2"}))
		Expect(connector.peak).To(Equal(3))
		Expect(a.Passes()).To(Equal(1))
	})

	It("should release forced binds beyond the cap", func() {
		for i := 0; i < 5; i++ {
			a.Manage(&fakeHandle{id: fmt.Sprintf("tile.%d", i)})
		}
		Expect(connector.peak).To(Equal(5))

		Expect(engine.RunUntil(0)).To(Succeed())
		Expect(boundIDs()).To(Equal([]string{"tile.0", "tile.1", "tile.2"}))

		Expect(engine.RunUntil(binding.DefaultUnbindDelay)).To(Succeed())
		Expect(boundIDs()).To(BeEmpty())
	})

	It("should bind everything under the cap", func() {
		manage(2)

		Expect(engine.RunUntil(0)).To(Succeed())

		Expect(boundIDs()).To(HaveLen(2))
	})

	It("should merge recalculation requests", func() {
		manage(5)
		for i := 0; i < 10; i++ {
			a.Recalculate()
		}

		Expect(engine.RunUntil(0)).To(Succeed())
		Expect(a.Passes()).To(Equal(1))

		a.Recalculate()
		Expect(engine.RunUntil(0)).To(Succeed())
		Expect(a.Passes()).To(Equal(2))
	})

	It("should let higher priorities in without exceeding the cap", func() {
		manage(5)
		Expect(engine.RunUntil(0)).To(Succeed())

		controllers[4].SetShowingUI(true)
		a.Recalculate()
		Expect(engine.RunUntil(0)).To(Succeed())

		Expect(boundIDs()).To(ConsistOf("tile.0", "tile.1", "tile.4"))
		Expect(controllers[2].Permitted()).To(BeFalse())
		Expect(connector.peak).To(Equal(3))
	})

	It("should favor the longest idle handles once the bind window ends", func() {
		manage(4)
		Expect(engine.RunUntil(0)).To(Succeed())

		Expect(engine.RunUntil(20)).To(Succeed())
		controllers[0].RecordActivity(20)
		controllers[1].RecordActivity(20)
		Expect(engine.RunUntil(20)).To(Succeed())

		Expect(boundIDs()).To(ConsistOf("tile.0", "tile.2", "tile.3"))
		Expect(controllers[1].Permitted()).To(BeFalse())
		Expect(connector.peak).To(Equal(3))
	})

	It("should shrink the cap under memory pressure", func() {
		manage(3)
		Expect(engine.RunUntil(0)).To(Succeed())

		probe.under = true
		Expect(a.CheckMemoryPressure()).To(Succeed())
		Expect(a.MemoryPressure()).To(BeTrue())
		Expect(a.Cap()).To(Equal(allocator.ReducedMaxBound))

		Expect(engine.RunUntil(0)).To(Succeed())
		Expect(boundIDs()).To(Equal([]string{"tile.0"}))

		probe.under = false
		Expect(a.CheckMemoryPressure()).To(Succeed())
		Expect(engine.RunUntil(0)).To(Succeed())
		Expect(boundIDs()).To(HaveLen(3))
	})

	It("should report probe failures", func() {
		probe.err = errors.New("no /proc")

		Expect(a.CheckMemoryPressure()).To(MatchError(ContainSubstring("no /proc")))
		Expect(a.MemoryPressure()).To(BeFalse())
	})

	It("should give a released slot to the next handle", func() {
		manage(4)
		Expect(engine.RunUntil(0)).To(Succeed())

		Expect(a.Release("tile.0")).To(Succeed())
		Expect(engine.RunUntil(0)).To(Succeed())

		Expect(handles[0].destroyed).To(BeTrue())
		Expect(controllers[0].Destroyed()).To(BeTrue())
		Expect(boundIDs()).To(ConsistOf("tile.1", "tile.2", "tile.3"))

		_, ok := a.Controller("tile.0")
		Expect(ok).To(BeFalse())
		Expect(a.Release("tile.0")).To(HaveOccurred())
	})

	It("should return the existing controller for a managed handle", func() {
		manage(1)

		again := a.Manage(&fakeHandle{id: "tile.0"})

		Expect(again).To(BeIdenticalTo(controllers[0]))
		Expect(a.Controllers()).To(HaveLen(1))
	})

	It("should report every pass to hooks", func() {
		var passes []allocator.Pass
		a.AcceptHook(hooking.NewHookFunc(func(ctx hooking.HookCtx) {
			passes = append(passes, ctx.Detail.(allocator.Pass))
		}))

		manage(4)
		Expect(engine.RunUntil(0)).To(Succeed())

		Expect(passes).To(HaveLen(1))
		Expect(passes[0]).To(Equal(allocator.Pass{
			Time: 0, Cap: 3, Controlled: 4, Permitted: 3, Bound: 3,
		}))
	})

	It("should reject invalid caps", func() {
		Expect(func() {
			allocator.MakeBuilder().WithEngine(engine).
				WithMaxBound(1).WithReducedMaxBound(2).Build("bad")
		}).To(Panic())

		Expect(func() { allocator.MakeBuilder().Build("bad") }).To(Panic())
	})
})
