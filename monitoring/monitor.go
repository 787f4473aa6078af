// Package monitoring serves the live state of mappers and devices over HTTP.
package monitoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	// Enable profiling
	_ "net/http/pprof"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/rs/xid"
	"github.com/sarchlab/iommu/mem/vm/dart"
	"github.com/sarchlab/iommu/mem/vm/mapper"
	"github.com/sarchlab/iommu/monitoring/web"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"
)

// A MonitoredMapper is a mapper whose state can be inspected.
type MonitoredMapper interface {
	Name() string
	Stats() mapper.Stats
	Lookup(ioAddress uint64) (uint64, bool)
}

// A MonitoredDevice is a remapping unit whose counters can be inspected.
type MonitoredDevice interface {
	Name() string
	Stats() dart.Stats
}

// Monitor turns a running workload into a server that reports the mappers'
// zones and counters.
type Monitor struct {
	lock        sync.Mutex
	mappers     []MonitoredMapper
	devices     []MonitoredDevice
	portNumber  int
	openBrowser bool

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	return &Monitor{}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithBrowser makes StartServer open the monitor page in a browser.
func (m *Monitor) WithBrowser(open bool) *Monitor {
	m.openBrowser = open
	return m
}

// RegisterMapper registers a mapper to be monitored.
func (m *Monitor) RegisterMapper(mp MonitoredMapper) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.mappers = append(m.mappers, mp)
}

// RegisterDevice registers a device to be monitored.
func (m *Monitor) RegisterDevice(d MonitoredDevice) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.devices = append(m.devices, d)
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		ID:        xid.New().String(),
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

func (m *Monitor) router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/list_mappers", m.listMappers)
	r.HandleFunc("/api/mapper/{name}", m.mapperDetails)
	r.HandleFunc("/api/field/{json}", m.listFieldValue)
	r.HandleFunc("/api/zones/{name}", m.listZones)
	r.HandleFunc("/api/lookup/{name}/{addr}", m.lookup)
	r.HandleFunc("/api/list_devices", m.listDevices)
	r.HandleFunc("/api/device/{name}", m.deviceDetails)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)
	r.PathPrefix("/").Handler(http.FileServer(web.GetAssets()))

	return r
}

// StartServer starts the monitor as a web server and returns its URL.
func (m *Monitor) StartServer() string {
	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	url := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	fmt.Fprintf(os.Stderr, "Monitoring DART with %s\n", url)

	go func() {
		err := http.Serve(listener, m.router())
		dieOnErr(err)
	}()

	if m.openBrowser {
		err = browser.OpenURL(url)
		if err != nil {
			log.Printf("cannot open browser: %v\n", err)
		}
	}

	return url
}

func (m *Monitor) listMappers(w http.ResponseWriter, _ *http.Request) {
	m.lock.Lock()
	names := make([]string, 0, len(m.mappers))
	for _, mp := range m.mappers {
		names = append(names, mp.Name())
	}
	m.lock.Unlock()

	writeJSON(w, names)
}

func (m *Monitor) listDevices(w http.ResponseWriter, _ *http.Request) {
	m.lock.Lock()
	names := make([]string, 0, len(m.devices))
	for _, d := range m.devices {
		names = append(names, d.Name())
	}
	m.lock.Unlock()

	writeJSON(w, names)
}

func (m *Monitor) mapperDetails(w http.ResponseWriter, r *http.Request) {
	mp := m.findMapperOr404(w, mux.Vars(r)["name"])
	if mp == nil {
		return
	}

	stats := mp.Stats()

	serializer := goseth.NewSerializer()
	serializer.SetRoot(&stats)
	serializer.SetMaxDepth(2)
	err := serializer.Serialize(w)

	dieOnErr(err)
}

type fieldReq struct {
	MapperName string `json:"mapper_name,omitempty"`
	FieldName  string `json:"field_name,omitempty"`
}

func (m *Monitor) listFieldValue(w http.ResponseWriter, r *http.Request) {
	req := fieldReq{}

	err := json.Unmarshal([]byte(mux.Vars(r)["json"]), &req)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	mp := m.findMapperOr404(w, req.MapperName)
	if mp == nil {
		return
	}

	stats := mp.Stats()

	serializer := goseth.NewSerializer()
	serializer.SetRoot(&stats)
	serializer.SetMaxDepth(1)

	err = serializer.SetEntryPoint(strings.Split(req.FieldName, "."))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	err = serializer.Serialize(w)
	dieOnErr(err)
}

func (m *Monitor) listZones(w http.ResponseWriter, r *http.Request) {
	mp := m.findMapperOr404(w, mux.Vars(r)["name"])
	if mp == nil {
		return
	}

	writeJSON(w, mp.Stats().Zones)
}

type lookupRsp struct {
	IOVA     uint64 `json:"iova"`
	Physical uint64 `json:"physical"`
	Mapped   bool   `json:"mapped"`
}

func (m *Monitor) lookup(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	mp := m.findMapperOr404(w, vars["name"])
	if mp == nil {
		return
	}

	addr, err := strconv.ParseUint(vars["addr"], 0, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	pAddr, ok := mp.Lookup(addr)

	writeJSON(w, lookupRsp{IOVA: addr, Physical: pAddr, Mapped: ok})
}

func (m *Monitor) deviceDetails(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	m.lock.Lock()
	var device MonitoredDevice
	for _, d := range m.devices {
		if d.Name() == name {
			device = d
		}
	}
	m.lock.Unlock()

	if device == nil {
		http.Error(w, "Device not found", http.StatusNotFound)
		return
	}

	writeJSON(w, device.Stats())
}

func (m *Monitor) findMapperOr404(
	w http.ResponseWriter,
	name string,
) MonitoredMapper {
	m.lock.Lock()
	defer m.lock.Unlock()

	for _, mp := range m.mappers {
		if mp.Name() == name {
			return mp
		}
	}

	w.WriteHeader(http.StatusNotFound)
	_, err := w.Write([]byte("Mapper not found"))
	dieOnErr(err)

	return nil
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	bars := make([]progressBarRsp, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		bars = append(bars, b.snapshot())
	}
	m.progressBarsLock.Unlock()

	writeJSON(w, bars)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	process, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := process.CPUPercent()
	dieOnErr(err)

	memorySize, err := process.MemoryInfo()
	dieOnErr(err)

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

func writeJSON(w http.ResponseWriter, v any) {
	bytes, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")

	_, err = w.Write(bytes)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
