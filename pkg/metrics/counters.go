package metrics

import "sync/atomic"

// Counters are the proxy's monotonically increasing event counts.
type Counters struct {
	Hits          atomic.Int64
	Misses        atomic.Int64
	Bypassed      atomic.Int64
	OriginErrors  atomic.Int64
	BadRequests   atomic.Int64
	TunnelsOpened atomic.Int64
	TunnelsFailed atomic.Int64
	TunnelBytes   atomic.Int64
}

type Snapshot struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Bypassed      int64 `json:"bypassed"`
	OriginErrors  int64 `json:"origin_errors"`
	BadRequests   int64 `json:"bad_requests"`
	TunnelsOpened int64 `json:"tunnels_opened"`
	TunnelsFailed int64 `json:"tunnels_failed"`
	TunnelBytes   int64 `json:"tunnel_bytes"`
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Hits:          c.Hits.Load(),
		Misses:        c.Misses.Load(),
		Bypassed:      c.Bypassed.Load(),
		OriginErrors:  c.OriginErrors.Load(),
		BadRequests:   c.BadRequests.Load(),
		TunnelsOpened: c.TunnelsOpened.Load(),
		TunnelsFailed: c.TunnelsFailed.Load(),
		TunnelBytes:   c.TunnelBytes.Load(),
	}
}

// HitRatio returns hits / (hits + misses), or 0 before any lookup.
func (s Snapshot) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
