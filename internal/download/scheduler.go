package download

import (
	"context"
	"sync"
	"time"
)

// scheduler hands out mirror slots. Each mirror holds at most cap
// concurrent assignments, and among mirrors with a free slot the one
// minimizing (inflight+1) x latency wins, so faster mirrors carry
// proportionally more segments.
type scheduler struct {
	ctx  context.Context
	cond *sync.Cond

	weights  []time.Duration
	inflight []int
	cap      int

	done chan struct{}
}

func newScheduler(ctx context.Context, mirrors []Mirror, maxPerMirror int) *scheduler {
	s := &scheduler{
		ctx:      ctx,
		cond:     sync.NewCond(&sync.Mutex{}),
		weights:  make([]time.Duration, len(mirrors)),
		inflight: make([]int, len(mirrors)),
		cap:      maxPerMirror,
		done:     make(chan struct{}),
	}
	for i, mirror := range mirrors {
		s.weights[i] = mirror.Latency
		if s.weights[i] <= 0 {
			// Unmeasured mirrors keep their rank order.
			s.weights[i] = time.Duration(i+1) * 100 * time.Millisecond
		}
	}

	// Wake waiters when the run is cancelled.
	go func() {
		select {
		case <-ctx.Done():
			s.cond.Broadcast()
		case <-s.done:
		}
	}()
	return s
}

func (s *scheduler) stop() {
	close(s.done)
}

// acquire blocks until a slot on a mirror not in tried is free and
// returns its index. It returns -1 when every mirror has been tried,
// and an error when the run is cancelled.
func (s *scheduler) acquire(tried map[int]bool) (int, error) {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()

	for {
		if err := s.ctx.Err(); err != nil {
			return 0, err
		}

		if len(tried) >= len(s.inflight) {
			return -1, nil
		}

		best := -1
		var bestScore time.Duration
		for i := range s.inflight {
			if tried[i] || s.inflight[i] >= s.cap {
				continue
			}
			score := time.Duration(s.inflight[i]+1) * s.weights[i]
			if best < 0 || score < bestScore {
				best = i
				bestScore = score
			}
		}
		if best >= 0 {
			s.inflight[best]++
			return best, nil
		}

		// All untried mirrors are saturated.
		s.cond.Wait()
	}
}

func (s *scheduler) release(i int) {
	s.cond.L.Lock()
	s.inflight[i]--
	s.cond.L.Unlock()
	s.cond.Broadcast()
}
