// Package metrics exposes the server's Prometheus instrumentation: READ
// and WRITE duration histograms labeled by mount path, so operators can
// tell a slow backend apart from a slow client. Wiring the histograms to
// an HTTP endpoint is left to the process bootstrap (out of scope here).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder owns the registered collectors. The zero value is not usable;
// construct with NewRecorder.
type Recorder struct {
	readDuration  *prometheus.HistogramVec
	writeDuration *prometheus.HistogramVec
}

// NewRecorder registers its collectors with reg and returns a Recorder
// ready to observe samples. Passing a fresh prometheus.NewRegistry()
// keeps tests isolated from the global default registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		readDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sftpd",
			Subsystem: "vfs",
			Name:      "read_duration_seconds",
			Help:      "Duration of VFS read operations, labeled by mount path.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mount"}),
		writeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sftpd",
			Subsystem: "vfs",
			Name:      "write_duration_seconds",
			Help:      "Duration of VFS write operations, labeled by mount path.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mount"}),
	}
	reg.MustRegister(r.readDuration, r.writeDuration)
	return r
}

// ObserveRead records the duration of a single READ against the
// configured mount prefix that owns the handle.
func (r *Recorder) ObserveRead(mount string, d time.Duration) {
	r.readDuration.WithLabelValues(mount).Observe(d.Seconds())
}

// ObserveWrite records the duration of a single WRITE.
func (r *Recorder) ObserveWrite(mount string, d time.Duration) {
	r.writeDuration.WithLabelValues(mount).Observe(d.Seconds())
}
