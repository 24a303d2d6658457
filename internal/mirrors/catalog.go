package mirrors

import (
	"bufio"
	"bytes"
	"io"
	"net/url"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ulikunitz/xz"
)

// xzMagic is the first six bytes of every xz stream.
var xzMagic = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}

// DecodeDocument transparently decompresses an xz-compressed mirror
// directory document. Plain documents pass through unchanged.
func DecodeDocument(raw []byte) ([]byte, error) {
	if !bytes.HasPrefix(raw, xzMagic) {
		return raw, nil
	}
	r, err := xz.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "DecodeDocument"), ErrParse)
	}
	decoded, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "DecodeDocument"), ErrParse)
	}
	return decoded, nil
}

// ParseMirrorList parses a raw mirror directory document for the given
// distribution family. Malformed entries are skipped individually; a
// document producing zero valid records is a parse error.
func ParseMirrorList(raw []byte, distro Distro) ([]Record, error) {
	doc, err := DecodeDocument(raw)
	if err != nil {
		return nil, err
	}

	var records []Record
	switch distro {
	case Debian:
		records = parseMasterlist(doc)
	case Ubuntu:
		records = parseLaunchpad(doc)
	default:
		return nil, errors.Mark(errors.Newf("unknown distribution %q", distro), ErrInvalidParameter)
	}

	if len(records) == 0 {
		return nil, errors.Mark(errors.Newf("no valid mirror entries for %s", distro), ErrParse)
	}
	return records, nil
}

// parseMasterlist reads the Debian Mirrors.masterlist format: RFC822-like
// stanzas separated by blank lines, one stanza per mirror site.
func parseMasterlist(doc []byte) []Record {
	var records []Record

	for _, stanza := range splitStanzas(doc) {
		site := stanza["Site"]
		if site == "" {
			continue
		}

		// "Country: DE Germany" - the code is the first token.
		country := ""
		if fields := strings.Fields(stanza["Country"]); len(fields) > 0 {
			country = strings.ToUpper(fields[0])
		}

		for _, proto := range []string{"http", "https"} {
			archivePath, ok := stanza["Archive-"+proto]
			if !ok || !strings.HasPrefix(archivePath, "/") {
				continue
			}
			u := url.URL{Scheme: proto, Host: site, Path: archivePath}
			records = append(records, Record{
				URL:         u.String(),
				CountryCode: country,
				Protocol:    proto,
				// Only the canonical archive carries the full
				// component set including main.
				SupportsMainOnly: strings.HasSuffix(archivePath, "/debian/"),
			})
		}
	}
	return records
}

// splitStanzas parses blank-line separated "Key: value" paragraphs.
// Unparseable lines are dropped, not fatal.
func splitStanzas(doc []byte) []map[string]string {
	var stanzas []map[string]string
	current := make(map[string]string)

	flush := func() {
		if len(current) > 0 {
			stanzas = append(stanzas, current)
			current = make(map[string]string)
		}
	}

	scanner := bufio.NewScanner(bytes.NewReader(doc))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		// Continuation lines extend the previous field in the
		// masterlist format; none of the fields we read use them.
		if line[0] == ' ' || line[0] == '\t' {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		current[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	flush()
	return stanzas
}

var (
	launchpadCountryRe = regexp.MustCompile(`<strong>([^<]+)</strong>`)
	launchpadLinkRe    = regexp.MustCompile(`href="(https?://[^"]+)"`)
)

// parseLaunchpad reads the launchpad archive-mirrors table. The page
// groups mirror anchors under per-country header rows; launchpad's own
// links are not mirrors and are skipped.
func parseLaunchpad(doc []byte) []Record {
	var records []Record
	country := ""

	scanner := bufio.NewScanner(bytes.NewReader(doc))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if m := launchpadCountryRe.FindStringSubmatch(line); m != nil {
			country = countryCode(strings.TrimSpace(m[1]))
			continue
		}

		for _, m := range launchpadLinkRe.FindAllStringSubmatch(line, -1) {
			raw := m[1]
			u, err := url.Parse(raw)
			if err != nil || u.Host == "" || strings.Contains(u.Host, "launchpad.net") {
				continue
			}
			if !strings.HasSuffix(u.Path, "/") {
				u.Path += "/"
			}
			records = append(records, Record{
				URL:         u.String(),
				CountryCode: country,
				Protocol:    u.Scheme,
				// Ubuntu's mirror directory has no non-free
				// split; the foss filter is a no-op.
				SupportsMainOnly: true,
			})
		}
	}
	return records
}

// launchpadCountries maps the country names used by the launchpad table
// to ISO 3166 codes. Unlisted names fall through as-is.
var launchpadCountries = map[string]string{
	"Argentina":      "AR",
	"Australia":      "AU",
	"Austria":        "AT",
	"Bangladesh":     "BD",
	"Belarus":        "BY",
	"Belgium":        "BE",
	"Brazil":         "BR",
	"Bulgaria":       "BG",
	"Canada":         "CA",
	"Chile":          "CL",
	"China":          "CN",
	"Colombia":       "CO",
	"Costa Rica":     "CR",
	"Croatia":        "HR",
	"Czechia":        "CZ",
	"Denmark":        "DK",
	"Ecuador":        "EC",
	"Estonia":        "EE",
	"Finland":        "FI",
	"France":         "FR",
	"Georgia":        "GE",
	"Germany":        "DE",
	"Greece":         "GR",
	"Hong Kong":      "HK",
	"Hungary":        "HU",
	"Iceland":        "IS",
	"India":          "IN",
	"Indonesia":      "ID",
	"Iran":           "IR",
	"Ireland":        "IE",
	"Israel":         "IL",
	"Italy":          "IT",
	"Japan":          "JP",
	"Kazakhstan":     "KZ",
	"Kenya":          "KE",
	"Latvia":         "LV",
	"Lithuania":      "LT",
	"Luxembourg":     "LU",
	"Malaysia":       "MY",
	"Mexico":         "MX",
	"Moldova":        "MD",
	"Netherlands":    "NL",
	"New Caledonia":  "NC",
	"New Zealand":    "NZ",
	"Norway":         "NO",
	"Philippines":    "PH",
	"Poland":         "PL",
	"Portugal":       "PT",
	"Romania":        "RO",
	"Russia":         "RU",
	"Serbia":         "RS",
	"Singapore":      "SG",
	"Slovakia":       "SK",
	"Slovenia":       "SI",
	"South Africa":   "ZA",
	"South Korea":    "KR",
	"Spain":          "ES",
	"Sweden":         "SE",
	"Switzerland":    "CH",
	"Taiwan":         "TW",
	"Thailand":       "TH",
	"Turkey":         "TR",
	"Ukraine":        "UA",
	"United Kingdom": "GB",
	"United States":  "US",
	"Uzbekistan":     "UZ",
	"Vietnam":        "VN",
}

func countryCode(name string) string {
	if code, ok := launchpadCountries[name]; ok {
		return code
	}
	return strings.ToUpper(name)
}
