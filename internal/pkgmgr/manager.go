package pkgmgr

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/velox-pm/velox/internal/apt"
	"github.com/velox-pm/velox/internal/download"
)

// Plan is the resolved outcome of a not-yet-executed operation.
type Plan struct {
	Deltas []Delta
	// Segments are the package files the operation needs downloaded.
	Segments []*download.Segment
}

// ApplyOptions tune how deltas are executed.
type ApplyOptions struct {
	// NoRemove forbids removing packages to resolve conflicts
	// (conservative upgrade).
	NoRemove bool
	// AssumeYes passes non-interactive confirmation through.
	AssumeYes bool
}

// Manager is the external package manager collaborator. Package
// database queries and actual installation are delegated to it.
type Manager interface {
	// Plan resolves an operation into deltas and download segments
	// without changing system state.
	Plan(ctx context.Context, action Action, pkgs []string, opts ApplyOptions) (*Plan, error)
	// Apply executes deltas against the system.
	Apply(ctx context.Context, deltas []Delta, opts ApplyOptions) error
}

// execCommand is swapped out by tests.
var execCommand = exec.CommandContext

// AptManager shells out to apt-get.
type AptManager struct {
	// CacheDir overrides apt's archive cache so pre-downloaded
	// segments are picked up.
	CacheDir string
}

// NewAptManager constructs an AptManager using cacheDir for archives.
func NewAptManager(cacheDir string) *AptManager {
	return &AptManager{CacheDir: cacheDir}
}

func (m *AptManager) baseArgs() []string {
	args := []string{"-o", "APT::Get::List-Cleanup=0"}
	if m.CacheDir != "" {
		args = append(args, "-o", "Dir::Cache::archives="+m.CacheDir)
	}
	return args
}

// Plan implements Manager by dry-running apt-get and parsing its
// Inst/Remv/Conf decisions plus the --print-uris download list.
func (m *AptManager) Plan(ctx context.Context, action Action, pkgs []string, opts ApplyOptions) (*Plan, error) {
	args := append(m.baseArgs(), "-qq", "--just-print")
	if opts.NoRemove {
		args = append(args, "--no-remove")
	}
	args = append(args, planSubcommand(action))
	args = append(args, pkgs...)

	out, err := m.run(ctx, args)
	if err != nil {
		return nil, errors.Wrap(err, "apt-get plan")
	}
	deltas := parsePlanOutput(out)

	uriArgs := append(m.baseArgs(), "-qq", "--print-uris", planSubcommand(action))
	uriArgs = append(uriArgs, pkgs...)
	uriOut, err := m.run(ctx, uriArgs)
	if err != nil {
		return nil, errors.Wrap(err, "apt-get print-uris")
	}
	segments, err := parseURIOutput(uriOut, m.CacheDir)
	if err != nil {
		return nil, err
	}

	return &Plan{Deltas: deltas, Segments: segments}, nil
}

// Apply implements Manager. Deltas are grouped into one apt-get
// invocation; versioned installs pin the exact version so undo can
// land on the recorded one.
func (m *AptManager) Apply(ctx context.Context, deltas []Delta, opts ApplyOptions) error {
	var installs, removals []string
	for _, d := range deltas {
		switch d.Op {
		case OpRemove:
			removals = append(removals, d.Name)
		case OpInstall, OpUpgrade, OpDowngrade:
			spec := d.Name
			if d.Version != "" {
				spec += "=" + d.Version
			}
			installs = append(installs, spec)
		}
	}

	for _, group := range []struct {
		sub  string
		pkgs []string
	}{
		{"install", installs},
		{"remove", removals},
	} {
		if len(group.pkgs) == 0 {
			continue
		}
		args := append(m.baseArgs(), group.sub)
		if opts.AssumeYes {
			args = append(args, "-y")
		}
		if opts.NoRemove && group.sub == "install" {
			args = append(args, "--no-remove")
		}
		// Downgrades need explicit permission.
		if group.sub == "install" {
			args = append(args, "--allow-downgrades")
		}
		args = append(args, group.pkgs...)
		if _, err := m.run(ctx, args); err != nil {
			return errors.Wrap(err, "apt-get "+group.sub)
		}
	}
	return nil
}

func (m *AptManager) run(ctx context.Context, args []string) ([]byte, error) {
	cmd := execCommand(ctx, "apt-get", args...)
	cmd.Stderr = os.Stderr
	slog.Debug("running apt-get", "args", args)
	return cmd.Output()
}

func planSubcommand(action Action) string {
	switch action {
	case ActionRemove:
		return "remove"
	case ActionUpgrade:
		return "dist-upgrade"
	default:
		return "install"
	}
}

// parsePlanOutput reads apt-get --just-print decisions:
//
//	Inst libfoo (1.2-3 Debian:bookworm [amd64])
//	Inst bar [1.0-1] (1.2-0 Debian:bookworm [amd64])
//	Remv baz [2.1-4]
func parsePlanOutput(out []byte) []Delta {
	var deltas []Delta
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		name := fields[1]
		switch fields[0] {
		case "Remv":
			d := Delta{Name: name, Op: OpRemove}
			if len(fields) >= 3 {
				d.Version = strings.Trim(fields[2], "[]")
			}
			deltas = append(deltas, d)
		case "Inst":
			d := Delta{Name: name, Op: OpInstall}
			rest := fields[2:]
			if len(rest) > 0 && strings.HasPrefix(rest[0], "[") {
				d.OldVersion = strings.Trim(rest[0], "[]")
				rest = rest[1:]
			}
			if len(rest) > 0 && strings.HasPrefix(rest[0], "(") {
				d.Version = strings.TrimPrefix(rest[0], "(")
			}
			if d.OldVersion != "" {
				d.Op = ClassifyChange(d.OldVersion, d.Version)
			}
			deltas = append(deltas, d)
		}
	}
	return deltas
}

// parseURIOutput reads apt-get --print-uris lines:
//
//	'http://deb.debian.org/debian/pool/main/f/foo/foo_1.2-3_amd64.deb' foo_1.2-3_amd64.deb 123456 SHA256:abcd...
func parseURIOutput(out []byte, cacheDir string) ([]*download.Segment, error) {
	var segments []*download.Segment
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 || !strings.HasPrefix(fields[0], "'") {
			continue
		}

		rawURL := strings.Trim(fields[0], "'")
		filename := fields[1]
		size, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			continue
		}
		sha256sum := ""
		if cut, ok := strings.CutPrefix(fields[3], "SHA256:"); ok {
			sha256sum = cut
		}

		remote, err := remotePath(rawURL, filename)
		if err != nil {
			slog.Warn("skipping unparseable download uri", "uri", rawURL, "error", err)
			continue
		}
		info, err := apt.MakeFileInfo(remote, size, "", sha256sum, "")
		if err != nil {
			return nil, err
		}
		segments = append(segments, &download.Segment{
			RemotePath: remote,
			TargetPath: cacheDir + "/" + filename,
			Info:       info,
		})
	}
	return segments, nil
}

// remotePath converts an absolute archive URI into the path fetched
// relative to a mirror base, anchoring at the conventional pool/
// directory. URIs without a pool segment keep their full path.
func remotePath(rawURL, filename string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if idx := strings.Index(u.Path, "/pool/"); idx >= 0 {
		return u.Path[idx+1:], nil
	}
	if u.Path != "" && u.Path != "/" {
		return strings.TrimPrefix(u.Path, "/"), nil
	}
	return filename, nil
}
