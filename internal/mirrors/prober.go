package mirrors

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// probeReadLimit caps how much of the response body a probe consumes.
// A probe measures response time, not transfer throughput.
const probeReadLimit = 16 * 1024

// Prober measures mirror latency with a bounded worker pool.
type Prober struct {
	client  *http.Client
	timeout time.Duration
	workers int
}

// NewProber creates a Prober. workers bounds concurrent probes and
// timeout applies to each probe individually.
func NewProber(workers int, timeout time.Duration) *Prober {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConnsPerHost = 1
	tr.DisableKeepAlives = true

	return &Prober{
		client: &http.Client{
			Transport: tr,
			Timeout:   0, // timeout is controlled by context
		},
		timeout: timeout,
		workers: workers,
	}
}

// probeTarget is the lightweight document fetched to time a mirror.
// The release index is small and every healthy mirror serves it.
func probeTarget(r Record, release string) string {
	base := strings.TrimSuffix(r.URL, "/")
	return base + "/dists/" + release + "/Release"
}

// Probe measures every record once and returns one Candidate per
// record, in record order. Probe initiation order is unspecified; a
// timed-out or failed probe yields an unreachable Candidate rather
// than an error. Probe returns early only when ctx is cancelled.
func (p *Prober) Probe(ctx context.Context, records []Record, release string) ([]Candidate, error) {
	candidates := make([]Candidate, len(records))

	semaphore := make(chan struct{}, p.workers)
	for i := 0; i < p.workers; i++ {
		semaphore <- struct{}{}
	}

	group, ctx := errgroup.WithContext(ctx)
	for i, record := range records {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-semaphore:
		}

		i, record := i, record
		group.Go(func() error {
			defer func() { semaphore <- struct{}{} }()
			candidates[i] = p.probeOne(ctx, record, release)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return candidates, nil
}

func (p *Prober) probeOne(ctx context.Context, record Record, release string) Candidate {
	candidate := Candidate{
		Mirror:  record,
		Latency: unreachableLatency,
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	target := probeTarget(record, release)
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, target, nil)
	if err != nil {
		slog.Debug("probe request failed", "mirror", record.URL, "error", err)
		return candidate
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		slog.Debug("mirror unreachable", "mirror", record.URL, "error", err)
		return candidate
	}
	_, err = io.Copy(io.Discard, io.LimitReader(resp.Body, probeReadLimit))
	closeErr := resp.Body.Close()
	elapsed := time.Since(start)

	if err != nil || closeErr != nil {
		slog.Debug("probe read failed", "mirror", record.URL, "error", err)
		return candidate
	}
	if resp.StatusCode != http.StatusOK {
		slog.Debug("probe rejected", "mirror", record.URL, "status", resp.StatusCode)
		return candidate
	}

	candidate.Latency = elapsed
	candidate.Reachable = true
	slog.Debug("mirror probed", "mirror", record.URL, "latency", elapsed)
	return candidate
}

// Rank returns a copy of candidates in ascending latency order. The
// sort is stable: equal latencies keep their catalog order.
func Rank(candidates []Candidate) []Candidate {
	ranked := make([]Candidate, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Latency < ranked[j].Latency
	})
	return ranked
}
