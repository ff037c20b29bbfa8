package process

import (
	"fmt"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Stats is a point-in-time resource sample of a running process.
type Stats struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	Threads    int32   `json:"threads"`
}

// ReadStats samples pid through gopsutil.
func ReadStats(pid int) (Stats, error) {
	if pid <= 0 {
		return Stats{}, fmt.Errorf("invalid pid %d", pid)
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	if s.CPUPercent, err = p.CPUPercent(); err != nil {
		return Stats{}, err
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return Stats{}, err
	}
	s.RSSBytes = mem.RSS
	// not every platform reports threads
	s.Threads, _ = p.NumThreads()
	return s, nil
}

// Stats samples the handle's process; it fails when the process is not running.
func (h *Handle) Stats() (Stats, error) {
	pid := h.PID()
	if pid == 0 {
		return Stats{}, fmt.Errorf("%s: not running", h.desc.Name)
	}
	return ReadStats(pid)
}
