// Package monitoring serves a web page and a JSON API to watch and steer
// running controllers.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/sarchlab/bindctl/allocator"
	"github.com/sarchlab/bindctl/binding"
	"github.com/sarchlab/bindctl/monitoring/web"
	"github.com/sarchlab/bindctl/sim/id"
	"github.com/sarchlab/bindctl/sim/timing"
)

// Monitor turns a running set of allocators into a server that can be
// watched and controlled from a browser.
type Monitor struct {
	engine          timing.Engine
	allocators      []*allocator.Allocator
	portNumber      int
	openBrowser     bool
	profileDuration time.Duration
	log             logr.Logger

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar

	server *http.Server
	addr   string
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	return &Monitor{
		profileDuration: time.Second,
		log:             logr.Discard(),
	}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithBrowser makes StartServer open the page in the default browser.
func (m *Monitor) WithBrowser(open bool) *Monitor {
	m.openBrowser = open
	return m
}

// WithProfileDuration sets how long the profile endpoint samples the CPU.
func (m *Monitor) WithProfileDuration(d time.Duration) *Monitor {
	m.profileDuration = d
	return m
}

// WithLogger sets the logger.
func (m *Monitor) WithLogger(l logr.Logger) *Monitor {
	m.log = l.WithName("monitor")
	return m
}

// RegisterEngine registers the engine that drives the controllers. All
// reads and writes of controller state go through the engine's Invoke.
func (m *Monitor) RegisterEngine(e timing.Engine) {
	m.engine = e
}

// RegisterAllocator registers an allocator whose controllers are shown.
func (m *Monitor) RegisterAllocator(a *allocator.Allocator) {
	m.allocators = append(m.allocators, a)
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		ID:        id.Generate(),
		Name:      name,
		StartTime: time.Now(),
		Total:     total,
	}

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar to be shown on the webpage.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	newBars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			newBars = append(newBars, b)
		}
	}

	m.progressBars = newBars
}

// Handler returns the router that serves the page and the API.
func (m *Monitor) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/pause", m.pauseEngine).Methods(http.MethodPost)
	r.HandleFunc("/api/continue", m.continueEngine).Methods(http.MethodPost)
	r.HandleFunc("/api/now", m.now)
	r.HandleFunc("/api/allocators", m.listAllocators)
	r.HandleFunc("/api/allocator/{name}/recalculate", m.recalculate).
		Methods(http.MethodPost)
	r.HandleFunc("/api/list_controllers", m.listControllers)
	r.HandleFunc("/api/controller", m.controllerDetails).
		Queries("name", "{name}")
	r.HandleFunc("/api/controller/requested", m.setRequested).
		Methods(http.MethodPost).Queries("name", "{name}", "value", "{value}")
	r.HandleFunc("/api/controller/showing_ui", m.setShowingUI).
		Methods(http.MethodPost).Queries("name", "{name}", "value", "{value}")
	r.HandleFunc("/api/controller/mode", m.setMode).
		Methods(http.MethodPost).Queries("name", "{name}", "value", "{value}")
	r.HandleFunc("/api/field/{json}", m.listFieldValue)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.PathPrefix("/").Handler(http.FileServer(web.GetAssets()))

	return r
}

// StartServer starts serving in the background and returns the address it
// listens on.
func (m *Monitor) StartServer() (string, error) {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(m.portNumber))
	if err != nil {
		return "", fmt.Errorf("starting monitor: %w", err)
	}

	m.addr = fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	m.server = &http.Server{
		Handler:           m.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Fprintf(os.Stderr, "Monitoring with %s\n", m.addr)

	go func() {
		err := m.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Error(err, "monitor stopped")
		}
	}()

	if m.openBrowser {
		if err := browser.OpenURL(m.addr); err != nil {
			m.log.Error(err, "cannot open browser", "url", m.addr)
		}
	}

	return m.addr, nil
}

// Addr returns the URL of the running server, or an empty string.
func (m *Monitor) Addr() string {
	return m.addr
}

// StopServer shuts the server down.
func (m *Monitor) StopServer(ctx context.Context) error {
	if m.server == nil {
		return nil
	}

	return m.server.Shutdown(ctx)
}

func (m *Monitor) pauseEngine(w http.ResponseWriter, _ *http.Request) {
	m.engine.Pause()
	w.WriteHeader(http.StatusOK)
}

func (m *Monitor) continueEngine(w http.ResponseWriter, _ *http.Request) {
	m.engine.Continue()
	w.WriteHeader(http.StatusOK)
}

func (m *Monitor) now(w http.ResponseWriter, _ *http.Request) {
	fmt.Fprintf(w, "{\"now\":%.10f}", m.engine.Now())
}

type allocatorRsp struct {
	Name           string `json:"name"`
	Cap            int    `json:"cap"`
	MemoryPressure bool   `json:"memory_pressure"`
	Controlled     int    `json:"controlled"`
	Passes         int    `json:"passes"`
}

func (m *Monitor) listAllocators(w http.ResponseWriter, _ *http.Request) {
	rsp := make([]allocatorRsp, 0, len(m.allocators))

	m.engine.Invoke(func() {
		for _, a := range m.allocators {
			rsp = append(rsp, allocatorRsp{
				Name:           a.Name(),
				Cap:            a.Cap(),
				MemoryPressure: a.MemoryPressure(),
				Controlled:     len(a.Controllers()),
				Passes:         a.Passes(),
			})
		}
	})

	m.writeJSON(w, rsp)
}

func (m *Monitor) recalculate(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	for _, a := range m.allocators {
		if a.Name() == name {
			m.engine.Invoke(a.Recalculate)
			w.WriteHeader(http.StatusOK)

			return
		}
	}

	http.Error(w, "Allocator not found", http.StatusNotFound)
}

type controllerRsp struct {
	Name          string  `json:"name"`
	HandleID      string  `json:"handle_id"`
	Allocator     string  `json:"allocator"`
	Mode          string  `json:"mode"`
	Requested     bool    `json:"requested"`
	Permitted     bool    `json:"permitted"`
	Bound         bool    `json:"bound"`
	JustBound     bool    `json:"just_bound"`
	ShowingUI     bool    `json:"showing_ui"`
	UnbindPending bool    `json:"unbind_pending"`
	Priority      int     `json:"priority"`
	LastActivity  float64 `json:"last_activity"`
}

func (m *Monitor) listControllers(w http.ResponseWriter, _ *http.Request) {
	rsp := []controllerRsp{}

	m.engine.Invoke(func() {
		for _, a := range m.allocators {
			for _, c := range a.Controllers() {
				rsp = append(rsp, controllerRsp{
					Name:          c.Name(),
					HandleID:      c.HandleID(),
					Allocator:     a.Name(),
					Mode:          c.Mode().String(),
					Requested:     c.Requested(),
					Permitted:     c.Permitted(),
					Bound:         c.Bound(),
					JustBound:     c.JustBound(),
					ShowingUI:     c.ShowingUI(),
					UnbindPending: c.UnbindPending(),
					Priority:      c.Priority(),
					LastActivity:  c.LastActivity(),
				})
			}
		}
	})

	m.writeJSON(w, rsp)
}

func (m *Monitor) controllerDetails(w http.ResponseWriter, r *http.Request) {
	c := m.findControllerOr404(w, mux.Vars(r)["name"])
	if c == nil {
		return
	}

	buf := bytes.NewBuffer(nil)

	var err error

	m.engine.Invoke(func() {
		serializer := goseth.NewSerializer()
		serializer.SetRoot(c)
		serializer.SetMaxDepth(1)
		err = serializer.Serialize(buf)
	})

	if err != nil {
		m.fail(w, err)
		return
	}

	m.write(w, buf.Bytes())
}

type fieldReq struct {
	ControllerName string `json:"controller_name,omitempty"`
	FieldName      string `json:"field_name,omitempty"`
}

func (m *Monitor) listFieldValue(w http.ResponseWriter, r *http.Request) {
	req := fieldReq{}

	err := json.Unmarshal([]byte(mux.Vars(r)["json"]), &req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c := m.findControllerOr404(w, req.ControllerName)
	if c == nil {
		return
	}

	buf := bytes.NewBuffer(nil)

	m.engine.Invoke(func() {
		serializer := goseth.NewSerializer()
		serializer.SetRoot(c)
		serializer.SetMaxDepth(1)

		err = serializer.SetEntryPoint(strings.Split(req.FieldName, "."))
		if err != nil {
			return
		}

		err = serializer.Serialize(buf)
	})

	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m.write(w, buf.Bytes())
}

func (m *Monitor) setRequested(w http.ResponseWriter, r *http.Request) {
	m.setFlag(w, r, (*binding.Controller).SetRequested)
}

func (m *Monitor) setShowingUI(w http.ResponseWriter, r *http.Request) {
	m.setFlag(w, r, (*binding.Controller).SetShowingUI)
}

func (m *Monitor) setFlag(
	w http.ResponseWriter,
	r *http.Request,
	apply func(*binding.Controller, bool),
) {
	vars := mux.Vars(r)

	value, err := strconv.ParseBool(vars["value"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c := m.findControllerOr404(w, vars["name"])
	if c == nil {
		return
	}

	m.engine.Invoke(func() { apply(c, value) })
	w.WriteHeader(http.StatusOK)
}

func (m *Monitor) setMode(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	mode, err := binding.ParseMode(vars["value"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c := m.findControllerOr404(w, vars["name"])
	if c == nil {
		return
	}

	m.engine.Invoke(func() { err = c.SetMode(mode) })

	if err != nil {
		m.fail(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (m *Monitor) findControllerOr404(
	w http.ResponseWriter,
	name string,
) *binding.Controller {
	var found *binding.Controller

	m.engine.Invoke(func() {
		for _, a := range m.allocators {
			for _, c := range a.Controllers() {
				if c.Name() == name {
					found = c
				}
			}
		}
	})

	if found == nil {
		http.Error(w, "Controller not found", http.StatusNotFound)
	}

	return found
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	bars := make([]progressRsp, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		bars = append(bars, b.snapshot())
	}
	m.progressBarsLock.Unlock()

	m.writeJSON(w, bars)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		m.fail(w, err)
		return
	}

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		m.fail(w, err)
		return
	}

	memoryInfo, err := proc.MemoryInfo()
	if err != nil {
		m.fail(w, err)
		return
	}

	m.writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memoryInfo.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	if err != nil {
		m.fail(w, err)
		return
	}

	time.Sleep(m.profileDuration)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	if err != nil {
		m.fail(w, err)
		return
	}

	m.writeJSON(w, prof)
}

func (m *Monitor) writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		m.fail(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	m.write(w, data)
}

func (m *Monitor) write(w http.ResponseWriter, data []byte) {
	_, err := w.Write(data)
	if err != nil {
		m.log.Error(err, "writing response")
	}
}

func (m *Monitor) fail(w http.ResponseWriter, err error) {
	m.log.Error(err, "request failed")
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
