package mirrors

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

func candidate(urlStr, country string, latency time.Duration, mainOnly bool) Candidate {
	return Candidate{
		Mirror: Record{
			URL:              urlStr,
			CountryCode:      country,
			Protocol:         "https",
			SupportsMainOnly: mainOnly,
		},
		Latency:   latency,
		Reachable: true,
	}
}

func unreachable(urlStr, country string) Candidate {
	return Candidate{
		Mirror: Record{
			URL:         urlStr,
			CountryCode: country,
			Protocol:    "https",
		},
		Latency: unreachableLatency,
	}
}

func TestSelectOrdersByLatency(t *testing.T) {
	t.Parallel()

	candidates := []Candidate{
		candidate("https://a.example/debian/", "DE", 50*time.Millisecond, true),
		candidate("https://b.example/debian/", "DE", 20*time.Millisecond, true),
		unreachable("https://c.example/debian/", "DE"),
		candidate("https://d.example/debian/", "DE", 35*time.Millisecond, true),
	}

	selection, err := Select(candidates, 2, SelectOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if selection.Requested != 2 {
		t.Errorf("Requested = %d, want 2", selection.Requested)
	}
	if len(selection.Mirrors) != 2 {
		t.Fatalf("got %d mirrors, want 2", len(selection.Mirrors))
	}
	if selection.Mirrors[0].URL != "https://b.example/debian/" {
		t.Errorf("first mirror = %s, want b", selection.Mirrors[0].URL)
	}
	if selection.Mirrors[1].URL != "https://d.example/debian/" {
		t.Errorf("second mirror = %s, want d", selection.Mirrors[1].URL)
	}
}

func TestSelectFewerSurvivorsThanRequested(t *testing.T) {
	t.Parallel()

	candidates := []Candidate{
		candidate("https://a.example/debian/", "DE", 10*time.Millisecond, true),
		unreachable("https://b.example/debian/", "DE"),
		unreachable("https://c.example/debian/", "DE"),
	}

	selection, err := Select(candidates, 3, SelectOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(selection.Mirrors) != 1 {
		t.Fatalf("got %d mirrors, want 1", len(selection.Mirrors))
	}
	if selection.Requested != 3 {
		t.Errorf("Requested = %d, want 3", selection.Requested)
	}
}

func TestSelectNoSurvivors(t *testing.T) {
	t.Parallel()

	_, err := Select([]Candidate{
		unreachable("https://a.example/debian/", "DE"),
	}, 1, SelectOptions{})
	if !errors.Is(err, ErrNoMirrors) {
		t.Errorf("all unreachable should be ErrNoMirrors, got %v", err)
	}

	_, err = Select(nil, 1, SelectOptions{})
	if !errors.Is(err, ErrNoMirrors) {
		t.Errorf("empty candidate list should be ErrNoMirrors, got %v", err)
	}
}

func TestSelectFiltersAreConjunctive(t *testing.T) {
	t.Parallel()

	candidates := []Candidate{
		candidate("https://de-full.example/debian/", "DE", 10*time.Millisecond, true),
		candidate("https://de-partial.example/debian-partial/", "DE", 5*time.Millisecond, false),
		candidate("https://fr-full.example/debian/", "FR", 1*time.Millisecond, true),
	}

	selection, err := Select(candidates, 10, SelectOptions{Country: "de", FOSSOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(selection.Mirrors) != 1 || selection.Mirrors[0].URL != "https://de-full.example/debian/" {
		t.Errorf("conjunctive filters selected %+v", selection.Mirrors)
	}

	// The same filters with no overlap reject everything.
	_, err = Select(candidates, 10, SelectOptions{Country: "JP"})
	if !errors.Is(err, ErrNoMirrors) {
		t.Errorf("country with no mirrors should be ErrNoMirrors, got %v", err)
	}
}

func TestSelectCountValidation(t *testing.T) {
	t.Parallel()

	candidates := []Candidate{
		candidate("https://a.example/debian/", "DE", 10*time.Millisecond, true),
	}

	for _, n := range []int{0, -1, MaxFetchCount + 1} {
		_, err := Select(candidates, n, SelectOptions{})
		if !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("count %d should be ErrInvalidParameter, got %v", n, err)
		}
	}
	if err := ValidateCount(MinFetchCount); err != nil {
		t.Errorf("ValidateCount(%d) = %v", MinFetchCount, err)
	}
	if err := ValidateCount(MaxFetchCount); err != nil {
		t.Errorf("ValidateCount(%d) = %v", MaxFetchCount, err)
	}
}

func TestRankIsStableOnTies(t *testing.T) {
	t.Parallel()

	candidates := []Candidate{
		candidate("https://first.example/debian/", "DE", 20*time.Millisecond, true),
		candidate("https://second.example/debian/", "DE", 20*time.Millisecond, true),
		candidate("https://third.example/debian/", "DE", 10*time.Millisecond, true),
	}

	ranked := Rank(candidates)
	if ranked[0].Mirror.URL != "https://third.example/debian/" {
		t.Errorf("fastest not first: %s", ranked[0].Mirror.URL)
	}
	if ranked[1].Mirror.URL != "https://first.example/debian/" ||
		ranked[2].Mirror.URL != "https://second.example/debian/" {
		t.Error("equal latencies should keep their original order")
	}

	// Rank must not mutate its input.
	if candidates[0].Mirror.URL != "https://first.example/debian/" {
		t.Error("Rank mutated the input slice")
	}
}
