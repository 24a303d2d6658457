package download

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/velox-pm/velox/internal/apt"
)

// ErrDownloadFailure marks a run in which some segment failed against
// every available mirror. Already verified segments are retained so a
// retry can skip them.
var ErrDownloadFailure = errors.New("download failure")

// Segment is one unit of download work: a package file expected to
// match a known size and checksum.
type Segment struct {
	// RemotePath is resolved against each mirror's base URL.
	RemotePath string
	// TargetPath is the absolute destination on disk.
	TargetPath string
	// Info carries the expected size and checksums.
	Info *apt.FileInfo
}

// Mirror is one download source. Latency orders mirror preference;
// zero means unmeasured, in which case list position decides.
type Mirror struct {
	URL     string
	Latency time.Duration
}

// Result reports a completed coordinator run.
type Result struct {
	// ServedBy maps each segment's RemotePath to the mirror URL that
	// ultimately served it. Reused segments map to "cache".
	ServedBy   map[string]string
	Downloaded int
	Reused     int
}

// Coordinator downloads segments from a ranked mirror set, bounding
// concurrent connections per mirror and biasing assignment toward
// faster mirrors.
type Coordinator struct {
	transport      Transport
	mirrors        []Mirror
	maxPerMirror   int
	attemptTimeout time.Duration
	noProgress     bool

	mu sync.Mutex
	// servedBy and counters are guarded by mu.
	servedBy   map[string]string
	downloaded int
	reused     int
}

// NewCoordinator constructs a Coordinator over a ranked mirror set.
func NewCoordinator(transport Transport, mirrors []Mirror, maxPerMirror int, attemptTimeout time.Duration, noProgress bool) (*Coordinator, error) {
	if len(mirrors) == 0 {
		return nil, errors.New("no mirrors to download from")
	}
	if maxPerMirror <= 0 {
		return nil, errors.New("maxPerMirror must be positive")
	}
	return &Coordinator{
		transport:      transport,
		mirrors:        mirrors,
		maxPerMirror:   maxPerMirror,
		attemptTimeout: attemptTimeout,
		noProgress:     noProgress,
		servedBy:       make(map[string]string),
	}, nil
}

// Fetch downloads every segment, verifying size and checksum. Segment
// completion order is unspecified; on success every segment is verified
// and present. A segment that fails against every mirror aborts the run
// with ErrDownloadFailure, retaining completed segments for resume.
func (c *Coordinator) Fetch(ctx context.Context, segments []*Segment) (*Result, error) {
	var total int64
	for _, segment := range segments {
		total += int64(segment.Info.Size())
	}

	var bar *pb.ProgressBar
	if !c.noProgress {
		bar = pb.Full.Start64(total)
		defer bar.Finish()
	}

	sched := newScheduler(ctx, c.mirrors, c.maxPerMirror)
	defer sched.stop()

	group, ctx := errgroup.WithContext(ctx)
	for _, segment := range segments {
		segment := segment
		group.Go(func() error {
			err := c.fetchSegment(ctx, sched, segment)
			if err == nil && bar != nil {
				bar.Add64(int64(segment.Info.Size()))
			}
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	slog.Info("download complete", "segments", len(segments),
		"downloaded", c.downloaded, "reused", c.reused)
	return &Result{
		ServedBy:   c.servedBy,
		Downloaded: c.downloaded,
		Reused:     c.reused,
	}, nil
}

func (c *Coordinator) fetchSegment(ctx context.Context, sched *scheduler, segment *Segment) error {
	if c.verifyExisting(segment) {
		slog.Debug("reusing verified segment", "path", segment.TargetPath)
		c.record(segment, "cache", true)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(segment.TargetPath), 0750); err != nil {
		return errors.Wrap(err, "fetchSegment")
	}

	tried := make(map[int]bool)
	var lastErr error

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		idx, err := sched.acquire(tried)
		if err != nil {
			return err
		}
		if idx < 0 {
			// Every mirror has been tried for this segment.
			return errors.Mark(
				errors.Wrapf(lastErr, "segment %s failed against all %d mirrors",
					segment.RemotePath, len(c.mirrors)),
				ErrDownloadFailure)
		}

		mirror := c.mirrors[idx]
		err = c.attempt(ctx, mirror, segment)
		sched.release(idx)

		if err == nil {
			c.record(segment, mirror.URL, false)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		tried[idx] = true
		lastErr = err
		slog.Warn("segment attempt failed, trying next mirror",
			"segment", segment.RemotePath, "mirror", mirror.URL, "error", err)
	}
}

// attempt downloads the segment once from one mirror. The body streams
// into a temp file which is renamed over the target only after the
// size and checksum verify, so an unverified partial never appears
// complete.
func (c *Coordinator) attempt(ctx context.Context, mirror Mirror, segment *Segment) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	target := strings.TrimSuffix(mirror.URL, "/") + "/" + strings.TrimPrefix(segment.RemotePath, "/")
	body, err := c.transport.Fetch(attemptCtx, target)
	if err != nil {
		return err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(segment.TargetPath), "._velox")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	got, err := apt.CopyWithFileInfo(tmp, body, segment.Info.Path())
	if err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if !segment.Info.Same(got) {
		return errors.Newf("checksum mismatch for %s from %s", segment.RemotePath, mirror.URL)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return err
	}
	return os.Rename(tmpName, segment.TargetPath)
}

// verifyExisting reports whether the target already holds verified
// content from an earlier run.
func (c *Coordinator) verifyExisting(segment *Segment) bool {
	f, err := os.Open(segment.TargetPath) // #nosec G304 - target comes from validated configuration
	if err != nil {
		return false
	}
	defer f.Close()

	got, err := apt.CopyWithFileInfo(io.Discard, f, segment.Info.Path())
	if err != nil {
		return false
	}
	return segment.Info.Same(got)
}

func (c *Coordinator) record(segment *Segment, source string, reused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.servedBy[segment.RemotePath] = source
	if reused {
		c.reused++
	} else {
		c.downloaded++
	}
}
