package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestObserveReadWriteLabelsByMount(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewRecorder(reg)

	rec.ObserveRead("/data", 10*time.Millisecond)
	rec.ObserveWrite("/data", 20*time.Millisecond)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	found := map[string]bool{}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "mount" && l.GetValue() == "/data" {
					found[mf.GetName()] = true
				}
			}
		}
	}

	if !found["sftpd_vfs_read_duration_seconds"] {
		t.Error("missing read duration sample for mount label")
	}
	if !found["sftpd_vfs_write_duration_seconds"] {
		t.Error("missing write duration sample for mount label")
	}
}
