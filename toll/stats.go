package toll

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

const defaultMaxRecent = 100

// PaymentRecord is one paid grant in the recent-payments ring.
type PaymentRecord struct {
	Endpoint    string `json:"endpoint"`
	AmountSats  int64  `json:"amountSats"`
	PayerID     string `json:"payerId"`
	PaymentHash string `json:"paymentHash,omitempty"`
	Timestamp   int64  `json:"timestamp"` // milliseconds since epoch
}

// EndpointStats aggregates one endpoint's counters.
type EndpointStats struct {
	Revenue  int64 `json:"revenue"`
	Requests int64 `json:"requests"`
	Paid     int64 `json:"paid"`
	Free     int64 `json:"free"`
}

// Snapshot is the JSON rendering of the stats, with camelCase field
// names for dashboard consumers.
type Snapshot struct {
	TotalRevenue   int64                    `json:"totalRevenue"`
	TotalRequests  int64                    `json:"totalRequests"`
	TotalPaid      int64                    `json:"totalPaid"`
	UniquePayers   int                      `json:"uniquePayers"`
	Endpoints      map[string]EndpointStats `json:"endpoints"`
	RecentPayments []PaymentRecord          `json:"recentPayments"`
}

// Stats is an in-memory revenue tracker with process lifetime. It
// implements Observer and is injected into the gate; nothing reads it from
// inside the protocol logic.
type Stats struct {
	mu            sync.Mutex
	totalRevenue  int64
	totalRequests int64
	totalPaid     int64
	endpoints     map[string]*EndpointStats
	payers        map[string]struct{}
	recent        []PaymentRecord
	maxRecent     int
}

// NewStats creates an empty tracker.
func NewStats() *Stats {
	return &Stats{
		endpoints: make(map[string]*EndpointStats),
		payers:    make(map[string]struct{}),
		maxRecent: defaultMaxRecent,
	}
}

// OnGrant implements Observer.
func (s *Stats) OnGrant(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalRequests++
	ep, ok := s.endpoints[e.Endpoint]
	if !ok {
		ep = &EndpointStats{}
		s.endpoints[e.Endpoint] = ep
	}
	ep.Requests++

	if !e.Paid || e.AmountSats <= 0 {
		ep.Free++
		return
	}

	s.totalRevenue += e.AmountSats
	s.totalPaid++
	ep.Revenue += e.AmountSats
	ep.Paid++
	if e.ClientID != "" {
		s.payers[e.ClientID] = struct{}{}
	}

	payer := e.ClientID
	if payer == "" {
		payer = "unknown"
	}
	s.recent = append(s.recent, PaymentRecord{
		Endpoint:    e.Endpoint,
		AmountSats:  e.AmountSats,
		PayerID:     payer,
		PaymentHash: e.PaymentHash,
		Timestamp:   time.Now().UnixMilli(),
	})
	if len(s.recent) > s.maxRecent {
		s.recent = s.recent[len(s.recent)-s.maxRecent:]
	}
}

// Snapshot returns a copy of the current totals. Recent payments are capped
// at the last 20, newest first.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	endpoints := make(map[string]EndpointStats, len(s.endpoints))
	for path, ep := range s.endpoints {
		endpoints[path] = *ep
	}

	n := len(s.recent)
	if n > 20 {
		n = 20
	}
	recent := make([]PaymentRecord, n)
	for i := 0; i < n; i++ {
		recent[i] = s.recent[len(s.recent)-1-i]
	}

	return Snapshot{
		TotalRevenue:   s.totalRevenue,
		TotalRequests:  s.totalRequests,
		TotalPaid:      s.totalPaid,
		UniquePayers:   len(s.payers),
		Endpoints:      endpoints,
		RecentPayments: recent,
	}
}

// Handler serves the snapshot as JSON, suitable for a dashboard route.
func (s *Stats) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.Snapshot())
	})
}
