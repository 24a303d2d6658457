// Package mirrors implements mirror discovery, latency ranking and
// selection for the velox fetch command.
package mirrors

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Distro identifies the distribution family whose mirror directory
// document is being processed. The two families publish their mirror
// lists in different formats.
type Distro string

const (
	// Debian mirrors come from the Mirrors.masterlist stanza document.
	Debian Distro = "debian"
	// Ubuntu mirrors come from the launchpad archive-mirrors table.
	Ubuntu Distro = "ubuntu"
)

const (
	// MinFetchCount and MaxFetchCount bound the number of mirrors a
	// fetch run may select.
	MinFetchCount = 1
	MaxFetchCount = 10
)

var (
	// ErrParse marks a mirror directory document that yielded no valid records.
	ErrParse = errors.New("mirror list parse error")
	// ErrInvalidParameter marks parameter misuse rejected before any network activity.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrNoMirrors marks a selection in which every candidate was filtered out or unreachable.
	ErrNoMirrors = errors.New("no mirrors available")
)

// unreachableLatency is the latency recorded for candidates whose probe
// failed or timed out. It sorts after every finite measurement.
const unreachableLatency = time.Duration(1<<63 - 1)

// Record describes one advertised mirror. A mirror advertised over both
// HTTP and HTTPS yields two records. Immutable once parsed.
type Record struct {
	URL         string
	CountryCode string
	Protocol    string

	// SupportsMainOnly is true when the mirror can serve a
	// free-software-only (main component) source listing.
	SupportsMainOnly bool
}

// Candidate is the outcome of one latency probe against one record.
type Candidate struct {
	Mirror    Record
	Latency   time.Duration
	Reachable bool
}

// Selection is an ordered mirror list, ascending by measured latency.
type Selection struct {
	Mirrors []Record
	// Requested is the count the user asked for; len(Mirrors) may be
	// smaller when fewer mirrors survived filtering.
	Requested int
}

// ValidateCount checks the requested mirror count before any probing.
func ValidateCount(n int) error {
	if n < MinFetchCount || n > MaxFetchCount {
		return errors.Mark(
			errors.Newf("fetch count %d outside [%d, %d]", n, MinFetchCount, MaxFetchCount),
			ErrInvalidParameter)
	}
	return nil
}
