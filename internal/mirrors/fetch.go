package mirrors

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/cockroachdb/errors"
)

const (
	masterlistURL = "https://mirror-master.debian.org/status/Mirrors.masterlist"
	launchpadURL  = "https://launchpad.net/ubuntu/+archivemirrors"

	// mirrorListLimit bounds how large a mirror directory document we
	// are willing to read.
	mirrorListLimit = 32 * 1024 * 1024
)

// DocumentFetcher retrieves a raw mirror directory document.
type DocumentFetcher interface {
	MirrorList(ctx context.Context, distro Distro) ([]byte, error)
}

// HTTPDocumentFetcher fetches the published mirror directories over HTTP.
type HTTPDocumentFetcher struct {
	Client *http.Client
}

// MirrorList implements DocumentFetcher.
func (f *HTTPDocumentFetcher) MirrorList(ctx context.Context, distro Distro) ([]byte, error) {
	var target string
	switch distro {
	case Debian:
		target = masterlistURL
	case Ubuntu:
		target = launchpadURL
	default:
		return nil, errors.Mark(errors.Newf("unknown distribution %q", distro), ErrInvalidParameter)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.Wrap(err, "MirrorList")
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "MirrorList")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("mirror list fetch: status %d for %s", resp.StatusCode, target)
	}
	return io.ReadAll(io.LimitReader(resp.Body, mirrorListLimit))
}

// FetchOptions drive one fetch run.
type FetchOptions struct {
	Distro  Distro
	Release string
	Count   int

	Country  string
	FOSSOnly bool

	// VerifyRelease drops selected mirrors whose InRelease signature
	// does not verify. Requires a configured verifier.
	VerifyRelease bool
}

// Fetcher wires mirror discovery, ranking and selection together.
type Fetcher struct {
	docs     DocumentFetcher
	prober   *Prober
	verifier *ReleaseVerifier
}

// NewFetcher constructs a Fetcher. verifier may be nil when signed
// release checking is not configured.
func NewFetcher(docs DocumentFetcher, prober *Prober, verifier *ReleaseVerifier) *Fetcher {
	return &Fetcher{
		docs:     docs,
		prober:   prober,
		verifier: verifier,
	}
}

// Run produces a ranked, filtered selection for opts. Parameter misuse
// fails before any network activity.
func (f *Fetcher) Run(ctx context.Context, opts FetchOptions) (*Selection, error) {
	if err := ValidateCount(opts.Count); err != nil {
		return nil, err
	}
	if opts.VerifyRelease && f.verifier == nil {
		return nil, errors.Mark(
			errors.New("release verification requested but no PGP key is configured"),
			ErrInvalidParameter)
	}

	raw, err := f.docs.MirrorList(ctx, opts.Distro)
	if err != nil {
		return nil, err
	}

	records, err := ParseMirrorList(raw, opts.Distro)
	if err != nil {
		return nil, err
	}
	slog.Info("parsed mirror list", "distro", opts.Distro, "mirrors", len(records))

	candidates, err := f.prober.Probe(ctx, records, opts.Release)
	if err != nil {
		return nil, err
	}

	reachable := 0
	for _, candidate := range candidates {
		if candidate.Reachable {
			reachable++
		}
	}
	slog.Info("probing finished", "total", len(candidates), "reachable", reachable)

	selection, err := Select(candidates, opts.Count, SelectOptions{
		Country:  opts.Country,
		FOSSOnly: opts.FOSSOnly,
	})
	if err != nil {
		return nil, err
	}

	if opts.VerifyRelease {
		selection, err = f.verifier.FilterVerified(ctx, selection, opts.Release)
		if err != nil {
			return nil, err
		}
	}

	if len(selection.Mirrors) < selection.Requested {
		slog.Warn("fewer mirrors than requested",
			"requested", selection.Requested, "obtained", len(selection.Mirrors))
	}
	return selection, nil
}
