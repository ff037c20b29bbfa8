package metrics

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// PIDSource returns the running servers and their PIDs.
type PIDSource func() map[string]int

// ResourceCollector samples CPU, memory and thread usage of running servers
// each time Prometheus scrapes. It has no background goroutine.
type ResourceCollector struct {
	source PIDSource
	log    *slog.Logger

	cpu     *prometheus.Desc
	rss     *prometheus.Desc
	vms     *prometheus.Desc
	threads *prometheus.Desc
}

func NewResourceCollector(source PIDSource, log *slog.Logger) *ResourceCollector {
	if log == nil {
		log = slog.Default()
	}
	return &ResourceCollector{
		source:  source,
		log:     log,
		cpu:     prometheus.NewDesc(namespace+"_unit_cpu_percent", "CPU usage of the server process in percent.", []string{"name"}, nil),
		rss:     prometheus.NewDesc(namespace+"_unit_memory_rss_bytes", "Resident memory of the server process.", []string{"name"}, nil),
		vms:     prometheus.NewDesc(namespace+"_unit_memory_vms_bytes", "Virtual memory of the server process.", []string{"name"}, nil),
		threads: prometheus.NewDesc(namespace+"_unit_threads", "Number of threads of the server process.", []string{"name"}, nil),
	}
}

func (c *ResourceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpu
	ch <- c.rss
	ch <- c.vms
	ch <- c.threads
}

func (c *ResourceCollector) Collect(ch chan<- prometheus.Metric) {
	for name, pid := range c.source() {
		if pid <= 0 {
			continue
		}
		p, err := process.NewProcess(int32(pid))
		if err != nil {
			// exited between snapshot and scrape
			continue
		}
		if cpu, err := p.CPUPercent(); err == nil {
			ch <- prometheus.MustNewConstMetric(c.cpu, prometheus.GaugeValue, cpu, name)
		}
		if mem, err := p.MemoryInfo(); err == nil {
			ch <- prometheus.MustNewConstMetric(c.rss, prometheus.GaugeValue, float64(mem.RSS), name)
			ch <- prometheus.MustNewConstMetric(c.vms, prometheus.GaugeValue, float64(mem.VMS), name)
		} else {
			c.log.Debug("memory sample failed", "server", name, "pid", pid, "error", err)
		}
		if n, err := p.NumThreads(); err == nil {
			ch <- prometheus.MustNewConstMetric(c.threads, prometheus.GaugeValue, float64(n), name)
		}
	}
}
