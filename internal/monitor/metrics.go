package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// connection metrics
	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vxigpib_active_connections",
		Help: "Open client connections.",
	})

	TotalConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vxigpib_total_connections",
		Help: "Accepted client connections.",
	})

	RejectedConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vxigpib_rejected_connections_total",
		Help: "Connections refused because the limit was reached.",
	})

	// link metrics
	ActiveLinks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vxigpib_active_links",
		Help: "Open instrument links.",
	})

	Operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vxigpib_operations_total",
			Help: "Link operations by op and resulting error code.",
		},
		[]string{"op", "error"},
	)

	BusErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vxigpib_bus_errors_total",
			Help: "Failed bus calls by op and failure kind.",
		},
		[]string{"op", "kind"},
	)

	BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vxigpib_bytes_received_total",
		Help: "Payload bytes received from clients.",
	})

	BytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vxigpib_bytes_sent_total",
		Help: "Payload bytes sent to clients.",
	})

	ProtocolErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vxigpib_protocol_errors_total",
		Help: "Malformed frames received.",
	})

	PublishErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vxigpib_publish_errors_total",
		Help: "Activity records that could not be published.",
	})

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vxigpib_operation_duration_seconds",
			Help:    "Time spent in a link operation.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vxigpib_goroutines",
		Help: "Running goroutines.",
	})

	MemoryUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vxigpib_memory_usage_bytes",
		Help: "Allocated heap bytes.",
	})
)

var registerOnce sync.Once

// Collectors returns every metric of the package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		ActiveConnections,
		TotalConnections,
		RejectedConnections,
		ActiveLinks,
		Operations,
		BusErrors,
		BytesReceived,
		BytesSent,
		ProtocolErrors,
		PublishErrors,
		OperationDuration,
		GoroutineCount,
		MemoryUsage,
	}
}

// StatsFunc reports the state of a component for /stats.
type StatsFunc func() map[string]interface{}

type Monitor struct {
	log    *logrus.Logger
	server *http.Server
	stop   chan struct{}

	mu     sync.Mutex
	routes map[string]http.Handler
	stats  map[string]StatsFunc
}

func NewMonitor(log *logrus.Logger) *Monitor {
	// metrics are package globals; register them once per process
	registerOnce.Do(func() {
		prometheus.MustRegister(Collectors()...)
	})

	return &Monitor{
		log:    log,
		stop:   make(chan struct{}),
		routes: make(map[string]http.Handler),
		stats:  make(map[string]StatsFunc),
	}
}

// Handle adds a route to the metrics server. Call it before
// StartMetricsServer.
func (m *Monitor) Handle(pattern string, h http.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[pattern] = h
}

// AddStats publishes fn under name on /stats.
func (m *Monitor) AddStats(name string, fn StatsFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[name] = fn
}

func (m *Monitor) serveStats(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	fns := make(map[string]StatsFunc, len(m.stats))
	for name, fn := range m.stats {
		fns[name] = fn
	}
	m.mu.Unlock()

	out := make(map[string]interface{}, len(fns))
	for name, fn := range fns {
		out[name] = fn()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// Handler serves /metrics, /health, /stats and the added routes.
func (m *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/stats", m.serveStats)
	m.mu.Lock()
	for pattern, h := range m.routes {
		mux.Handle(pattern, h)
	}
	m.mu.Unlock()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}

// StartMetricsServer serves Handler on port in the background.
func (m *Monitor) StartMetricsServer(port int) {
	addr := fmt.Sprintf(":%d", port)
	m.server = &http.Server{Addr: addr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
	m.log.Infof("metrics server listening on %s", addr)

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Errorf("metrics server: %v", err)
		}
	}()
}

// StartRuntimeMonitor samples goroutine and heap gauges every interval.
func (m *Monitor) StartRuntimeMonitor(interval time.Duration) {
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
			}

			GoroutineCount.Set(float64(runtime.NumGoroutine()))

			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			MemoryUsage.Set(float64(memStats.Alloc))

			m.log.Debugf("goroutines: %d, heap: %.2f MB",
				runtime.NumGoroutine(),
				float64(memStats.Alloc)/1024/1024,
			)
		}
	}()
}

// Stop shuts down the metrics server and the runtime sampler.
func (m *Monitor) Stop() {
	select {
	case <-m.stop:
		return
	default:
		close(m.stop)
	}
	if m.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		m.server.Shutdown(ctx)
	}
}
