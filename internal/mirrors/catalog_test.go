package mirrors

import (
	"bytes"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/ulikunitz/xz"
)

const masterlistSample = `Site: ftp.de.debian.org
Country: DE Germany
Archive-http: /debian/
Archive-https: /debian/

Site: mirror.example.org
Country: FR France
Archive-http: /pub/debian-partial/

Site: broken.example.org
Country: XX Nowhere
Archive-http: relative/path

Site: rsync-only.example.org
Country: US United States

Country: JP Japan
Archive-http: /debian/
`

func TestParseMasterlist(t *testing.T) {
	t.Parallel()

	records, err := ParseMirrorList([]byte(masterlistSample), Debian)
	if err != nil {
		t.Fatal(err)
	}

	// ftp.de.debian.org yields one record per scheme, the partial
	// mirror yields one, the others are skipped.
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3: %+v", len(records), records)
	}

	r := records[0]
	if r.URL != "http://ftp.de.debian.org/debian/" {
		t.Errorf("URL = %q", r.URL)
	}
	if r.CountryCode != "DE" {
		t.Errorf("CountryCode = %q, want DE", r.CountryCode)
	}
	if r.Protocol != "http" {
		t.Errorf("Protocol = %q, want http", r.Protocol)
	}
	if !r.SupportsMainOnly {
		t.Error("canonical archive should support a main-only listing")
	}

	if records[1].URL != "https://ftp.de.debian.org/debian/" {
		t.Errorf("second URL = %q", records[1].URL)
	}

	partial := records[2]
	if partial.CountryCode != "FR" {
		t.Errorf("partial CountryCode = %q, want FR", partial.CountryCode)
	}
	if partial.SupportsMainOnly {
		t.Error("non-canonical archive path should not claim main-only support")
	}
}

const launchpadSample = `<html><body>
<tr><th colspan="2"><strong>Germany</strong></th></tr>
<tr><td><a href="https://ftp.fau.de/ubuntu/">ftp.fau.de</a></td>
<td><a href="http://ftp.fau.de/ubuntu/">http</a></td></tr>
<tr><th colspan="2"><strong>Japan</strong></th></tr>
<tr><td><a href="http://jp.archive.ubuntu.com/ubuntu">jp.archive</a></td></tr>
<tr><td><a href="https://launchpad.net/+mirror/jp.archive">mirror page</a></td></tr>
</body></html>`

func TestParseLaunchpad(t *testing.T) {
	t.Parallel()

	records, err := ParseMirrorList([]byte(launchpadSample), Ubuntu)
	if err != nil {
		t.Fatal(err)
	}

	if len(records) != 3 {
		t.Fatalf("got %d records, want 3: %+v", len(records), records)
	}
	if records[0].URL != "https://ftp.fau.de/ubuntu/" || records[0].CountryCode != "DE" {
		t.Errorf("first record = %+v", records[0])
	}
	if records[1].Protocol != "http" {
		t.Errorf("second record protocol = %q", records[1].Protocol)
	}
	if records[2].URL != "http://jp.archive.ubuntu.com/ubuntu/" {
		t.Errorf("trailing slash not normalized: %q", records[2].URL)
	}
	if records[2].CountryCode != "JP" {
		t.Errorf("country not tracked across rows: %q", records[2].CountryCode)
	}
	for _, r := range records {
		if !r.SupportsMainOnly {
			t.Errorf("ubuntu record %s should always support main-only", r.URL)
		}
	}
}

func TestParseMirrorListErrors(t *testing.T) {
	t.Parallel()

	_, err := ParseMirrorList([]byte("<html>no mirrors here</html>"), Ubuntu)
	if !errors.Is(err, ErrParse) {
		t.Errorf("zero records should be ErrParse, got %v", err)
	}

	_, err = ParseMirrorList([]byte(masterlistSample), Distro("gentoo"))
	if !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("unknown distro should be ErrInvalidParameter, got %v", err)
	}
}

func TestDecodeDocumentXZ(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte(masterlistSample)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	records, err := ParseMirrorList(buf.Bytes(), Debian)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Errorf("got %d records from compressed document, want 3", len(records))
	}

	// Truncated stream must surface as a parse error.
	_, err = ParseMirrorList(buf.Bytes()[:len(buf.Bytes())/2], Debian)
	if !errors.Is(err, ErrParse) {
		t.Errorf("truncated xz should be ErrParse, got %v", err)
	}

	plain, err := DecodeDocument([]byte("plain text"))
	if err != nil {
		t.Fatal(err)
	}
	if string(plain) != "plain text" {
		t.Error("plain document should pass through unchanged")
	}
}
