package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/twinline-core/internal/fleet"
)

// SystemStatus is the body of GET /system. Counters live on /metrics;
// this is the at-a-glance view for the console.
type SystemStatus struct {
	Version   string       `json:"version"`
	StartedAt time.Time    `json:"started_at"`
	Uptime    string       `json:"uptime"`
	Process   ProcessStats `json:"process"`
	WSClients int          `json:"ws_clients"`
	Fleet     FleetSummary `json:"fleet"`
}

type ProcessStats struct {
	Goroutines int     `json:"goroutines"`
	HeapMiB    float64 `json:"heap_mib"`
	GCCycles   uint32  `json:"gc_cycles"`
}

type FleetSummary struct {
	Total   int                 `json:"total"`
	ByState map[fleet.State]int `json:"by_state"`
	Failing []string            `json:"failing,omitempty"`
}

const mib = 1 << 20

func (s *Server) handleSystem(w http.ResponseWriter, _ *http.Request) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	devices := s.fleet.All()
	sum := FleetSummary{Total: len(devices), ByState: make(map[fleet.State]int, 4)}
	for _, d := range devices {
		sum.ByState[d.State]++
		if d.LastError != "" {
			sum.Failing = append(sum.Failing, d.Device.Name)
		}
	}

	writeJSON(w, http.StatusOK, SystemStatus{
		Version:   s.version,
		StartedAt: s.startTime.UTC(),
		Uptime:    time.Since(s.startTime).Truncate(time.Second).String(),
		Process: ProcessStats{
			Goroutines: runtime.NumGoroutine(),
			HeapMiB:    float64(ms.HeapAlloc) / mib,
			GCCycles:   ms.NumGC,
		},
		WSClients: s.hub.ClientCount(),
		Fleet:     sum,
	})
}
