package ws

import (
	"log"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

var startedAt = time.Now()

type HealthReport struct {
	Status      string       `json:"status"`
	Sessions    int          `json:"sessions"`
	MaxSessions int          `json:"maxSessions"`
	Observers   int          `json:"observers"`
	UptimeSec   int64        `json:"uptimeSec"`
	Goroutines  int          `json:"goroutines"`
	Process     *ProcessInfo `json:"process,omitempty"`
}

type ProcessInfo struct {
	RSSBytes   uint64  `json:"rssBytes"`
	CPUPercent float64 `json:"cpuPercent"`
	Threads    int32   `json:"threads"`
}

var (
	selfOnce sync.Once
	self     *process.Process
)

// processInfo samples this process. It returns nil where the platform
// cannot report.
func processInfo() *ProcessInfo {
	selfOnce.Do(func() {
		p, err := process.NewProcess(int32(os.Getpid()))
		if err != nil {
			log.Printf("health: process stats unavailable: %v", err)
			return
		}
		self = p
	})
	if self == nil {
		return nil
	}

	info := &ProcessInfo{}
	if mem, err := self.MemoryInfo(); err == nil {
		info.RSSBytes = mem.RSS
	}
	if cpu, err := self.CPUPercent(); err == nil {
		info.CPUPercent = cpu
	}
	if n, err := self.NumThreads(); err == nil {
		info.Threads = n
	}
	return info
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthReport{
		Status:      "ok",
		Sessions:    s.manager.Count(),
		MaxSessions: s.manager.MaxSessions(),
		Observers:   s.broadcaster.ClientCount(),
		UptimeSec:   int64(time.Since(startedAt).Seconds()),
		Goroutines:  runtime.NumGoroutine(),
		Process:     processInfo(),
	})
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
