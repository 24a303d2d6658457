package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
)

func TestNewDefaultsAreValid(t *testing.T) {
	t.Parallel()

	c := New()
	if err := c.Check(); err != nil {
		t.Error(err)
	}
	if c.ProbeTimeout() != 3*time.Second {
		t.Errorf("ProbeTimeout = %v", c.ProbeTimeout())
	}
	if c.SegmentTimeout() != 5*time.Minute {
		t.Errorf("SegmentTimeout = %v", c.SegmentTimeout())
	}
}

func TestDecodeTOML(t *testing.T) {
	t.Parallel()

	keyPath := filepath.Join(t.TempDir(), "archive-key.asc")
	if err := os.WriteFile(keyPath, []byte("not a real key"), 0644); err != nil {
		t.Fatal(err)
	}

	doc := `
source_list = "/etc/apt/sources.list.d/velox-sources.list"
cache_dir = "/var/cache/velox/archives"
journal_path = "/var/lib/velox/history.jsonl"

[fetch]
probe_timeout = "750ms"
max_probes = 32
pgp_key_path = "` + keyPath + `"

[download]
max_conns_per_mirror = 5
segment_timeout = "90s"
no_progress = true

[log]
level = "debug"
format = "json"
`
	c := New()
	md, err := toml.Decode(doc, c)
	if err != nil {
		t.Fatal(err)
	}
	if len(md.Undecoded()) > 0 {
		t.Errorf("undecoded keys: %v", md.Undecoded())
	}
	if err := c.Check(); err != nil {
		t.Fatal(err)
	}

	if c.ProbeTimeout() != 750*time.Millisecond {
		t.Errorf("ProbeTimeout = %v", c.ProbeTimeout())
	}
	if c.Fetch.MaxProbes != 32 {
		t.Errorf("MaxProbes = %d", c.Fetch.MaxProbes)
	}
	if c.SegmentTimeout() != 90*time.Second {
		t.Errorf("SegmentTimeout = %v", c.SegmentTimeout())
	}
	if c.Download.MaxConnsPerMirror != 5 {
		t.Errorf("MaxConnsPerMirror = %d", c.Download.MaxConnsPerMirror)
	}
	if !c.Download.NoProgress {
		t.Error("NoProgress not decoded")
	}
	if c.Log.Level != "debug" || c.Log.Format != "json" {
		t.Errorf("log config = %+v", c.Log)
	}
}

func TestDecodeRejectsBadDuration(t *testing.T) {
	t.Parallel()

	c := New()
	if _, err := toml.Decode(`
[fetch]
probe_timeout = "soon"
`, c); err == nil {
		t.Error("unparseable duration should fail decoding")
	}

	c = New()
	if _, err := toml.Decode(`
[download]
segment_timeout = "-5s"
`, c); err == nil {
		t.Error("non-positive duration should fail decoding")
	}
}

func TestCheck(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty source_list", func(c *Config) { c.SourceList = "" }},
		{"relative cache_dir", func(c *Config) { c.CacheDir = "var/cache" }},
		{"empty journal_path", func(c *Config) { c.JournalPath = "" }},
		{"zero max_probes", func(c *Config) { c.Fetch.MaxProbes = 0 }},
		{"zero max_conns", func(c *Config) { c.Download.MaxConnsPerMirror = 0 }},
		{"relative pgp key", func(c *Config) { c.Fetch.PGPKeyPath = "key.asc" }},
		{"missing pgp key", func(c *Config) { c.Fetch.PGPKeyPath = "/nonexistent/key.asc" }},
	}
	for _, tc := range cases {
		c := New()
		tc.mutate(c)
		if err := c.Check(); err == nil {
			t.Errorf("%s: Check should fail", tc.name)
		}
	}
}

func TestLogConfigApply(t *testing.T) {
	for _, lc := range []LogConfig{
		{},
		{Level: "debug", Format: "json"},
		{Level: "warning", Format: "plain"},
		{Level: "error", Format: "text"},
	} {
		if err := lc.Apply(); err != nil {
			t.Errorf("%+v: %v", lc, err)
		}
	}

	if err := (&LogConfig{Level: "loud"}).Apply(); err == nil {
		t.Error("invalid level should be rejected")
	}
	if err := (&LogConfig{Format: "xml"}).Apply(); err == nil {
		t.Error("invalid format should be rejected")
	}
}
