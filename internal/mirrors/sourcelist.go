package mirrors

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

// WriteSourceList persists a selection to path, one mirror URL per
// line in rank order. The write is atomic (temp file plus rename) so
// a concurrent reader never observes a half-written list, and the
// previous list survives any failure.
func WriteSourceList(path string, selection *Selection) error {
	if len(selection.Mirrors) == 0 {
		return errors.Mark(errors.New("refusing to write an empty mirror list"), ErrNoMirrors)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "WriteSourceList")
	}

	var sb strings.Builder
	for _, mirror := range selection.Mirrors {
		sb.WriteString(mirror.URL)
		sb.WriteByte('\n')
	}

	tmp, err := os.CreateTemp(dir, ".velox-sources-")
	if err != nil {
		return errors.Wrap(err, "WriteSourceList")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(sb.String()); err != nil {
		tmp.Close()
		return errors.Wrap(err, "WriteSourceList")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "WriteSourceList")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "WriteSourceList")
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return errors.Wrap(err, "WriteSourceList")
	}

	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrap(err, "WriteSourceList")
	}
	return DirSync(dir)
}

// ReadSourceList loads a previously persisted mirror list. Blank lines
// are ignored.
func ReadSourceList(path string) ([]string, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from validated configuration
	if err != nil {
		return nil, errors.Wrap(err, "ReadSourceList")
	}

	var urls []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		urls = append(urls, line)
	}
	return urls, nil
}

// DirSync calls fsync(2) on the directory to save changes in the
// directory. This should be called after os.Create, os.Rename and so on.
func DirSync(d string) error {
	f, err := os.OpenFile(filepath.Clean(d), os.O_RDONLY, 0755) // #nosec G304,G302 - directory access
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
