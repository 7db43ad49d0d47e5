package dashboard

import (
	"encoding/json"
	"html/template"
	"net/http"
	"time"

	"github.com/ashpect/fwdproxy/pkg/cache"
	"github.com/ashpect/fwdproxy/pkg/metrics"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Tunnels reports live CONNECT sessions.
type Tunnels interface {
	Active() int
}

// Snapshot is the state rendered by every dashboard endpoint.
type Snapshot struct {
	Started       time.Time        `json:"started"`
	Uptime        string           `json:"uptime"`
	UptimeSeconds float64          `json:"uptime_seconds"`
	Cache         cache.Stats      `json:"cache"`
	StoredBytes   int              `json:"stored_bytes"`
	Counters      metrics.Snapshot `json:"counters"`
	HitRatio      float64          `json:"hit_ratio"`
	ActiveTunnels int              `json:"active_tunnels"`
	Latency       []metrics.Stats  `json:"latency"`
}

// Dashboard serves the proxy status page on its own socket.
type Dashboard struct {
	store    cache.ResponseCache
	tunnels  Tunnels
	counters *metrics.Counters
	latency  *metrics.LatencyTracker
	started  time.Time
	log      *logrus.Entry
}

func New(store cache.ResponseCache, tunnels Tunnels, counters *metrics.Counters, latency *metrics.LatencyTracker, logger *logrus.Logger) *Dashboard {
	return &Dashboard{
		store:    store,
		tunnels:  tunnels,
		counters: counters,
		latency:  latency,
		started:  time.Now(),
		log:      logger.WithField("component", "dashboard"),
	}
}

func (d *Dashboard) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", d.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/stats", d.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/healthz", d.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/cache", d.handlePurge).Methods(http.MethodDelete)
	return r
}

func (d *Dashboard) Snapshot() Snapshot {
	uptime := time.Since(d.started)
	counters := d.counters.Snapshot()
	return Snapshot{
		Started:       d.started,
		Uptime:        uptime.Truncate(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		Cache:         d.store.Stats(),
		StoredBytes:   storedBytes(d.store),
		Counters:      counters,
		HitRatio:      counters.HitRatio(),
		ActiveTunnels: d.tunnels.Active(),
		Latency:       d.latency.GetAllStats(),
	}
}

func (d *Dashboard) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, d.Snapshot()); err != nil {
		d.log.WithError(err).Error("Template error")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (d *Dashboard) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.Snapshot())
}

func (d *Dashboard) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handlePurge drops every stored response.
func (d *Dashboard) handlePurge(w http.ResponseWriter, r *http.Request) {
	purged := 0
	for key := range d.store.GetAll() {
		d.store.Delete(key)
		purged++
	}
	d.log.WithField("purged", purged).Info("Cache purged")
	writeJSON(w, http.StatusOK, map[string]int{"purged": purged})
}

func storedBytes(store cache.ResponseCache) int {
	total := 0
	for _, resp := range store.GetAll() {
		total += resp.Size()
	}
	return total
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><title>fwdproxy</title></head>
<body>
<h1>fwdproxy</h1>
<p>uptime: {{.Uptime}}</p>
<h2>Cache</h2>
<table>
<tr><td>entries</td><td>{{.Cache.Len}} / {{.Cache.Capacity}}</td></tr>
<tr><td>stored bytes</td><td>{{.StoredBytes}}</td></tr>
<tr><td>hits</td><td>{{.Counters.Hits}}</td></tr>
<tr><td>misses</td><td>{{.Counters.Misses}}</td></tr>
<tr><td>hit ratio</td><td>{{printf "%.2f" .HitRatio}}</td></tr>
<tr><td>evictions</td><td>{{.Cache.Evictions}}</td></tr>
<tr><td>expirations</td><td>{{.Cache.Expirations}}</td></tr>
<tr><td>origin errors</td><td>{{.Counters.OriginErrors}}</td></tr>
<tr><td>bypassed</td><td>{{.Counters.Bypassed}}</td></tr>
</table>
<h2>Tunnels</h2>
<table>
<tr><td>active</td><td>{{.ActiveTunnels}}</td></tr>
<tr><td>opened</td><td>{{.Counters.TunnelsOpened}}</td></tr>
<tr><td>failed</td><td>{{.Counters.TunnelsFailed}}</td></tr>
<tr><td>bytes relayed</td><td>{{.Counters.TunnelBytes}}</td></tr>
</table>
<h2>Latency (ms)</h2>
<table>
<tr><th>operation</th><th>n</th><th>p50</th><th>p90</th><th>p99</th><th>max</th></tr>
{{range .Latency}}<tr><td>{{.Operation}}</td><td>{{.Count}}</td><td>{{printf "%.2f" .P50}}</td><td>{{printf "%.2f" .P90}}</td><td>{{printf "%.2f" .P99}}</td><td>{{printf "%.2f" .Max}}</td></tr>
{{end}}</table>
</body>
</html>
`))
