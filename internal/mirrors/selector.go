package mirrors

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// SelectOptions are the user filters applied to ranked candidates.
type SelectOptions struct {
	// Country, when non-empty, is a hard filter on the record's
	// country code (case-insensitive).
	Country string
	// FOSSOnly drops mirrors that cannot serve a main-only listing.
	FOSSOnly bool
}

// Select filters and ranks candidates and truncates to n mirrors.
//
// Unreachable candidates are never selected. If fewer than n survive
// the filters, all survivors are returned and Selection.Requested
// tells the caller how many were asked for. Zero survivors is an
// ErrNoMirrors failure.
func Select(candidates []Candidate, n int, opts SelectOptions) (*Selection, error) {
	if err := ValidateCount(n); err != nil {
		return nil, err
	}

	country := strings.ToUpper(strings.TrimSpace(opts.Country))

	var eligible []Candidate
	for _, candidate := range candidates {
		if !candidate.Reachable {
			continue
		}
		if country != "" && candidate.Mirror.CountryCode != country {
			continue
		}
		if opts.FOSSOnly && !candidate.Mirror.SupportsMainOnly {
			continue
		}
		eligible = append(eligible, candidate)
	}

	if len(eligible) == 0 {
		return nil, errors.Mark(errors.New("every candidate was filtered out or unreachable"), ErrNoMirrors)
	}

	ranked := Rank(eligible)
	if len(ranked) > n {
		ranked = ranked[:n]
	}

	selection := &Selection{
		Mirrors:   make([]Record, len(ranked)),
		Requested: n,
	}
	for i, candidate := range ranked {
		selection.Mirrors[i] = candidate.Mirror
	}
	return selection, nil
}
