package mirrors

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ProtonMail/gopenpgp/v3/crypto"
	"github.com/cockroachdb/errors"
)

// inReleaseLimit caps how many bytes of InRelease a verification reads.
const inReleaseLimit = 4 * 1024 * 1024

// ReleaseVerifier spot-checks selected mirrors by verifying the PGP
// signature of the InRelease document they serve.
type ReleaseVerifier struct {
	client  *http.Client
	pgp     *crypto.PGPHandle
	key     *crypto.Key
	timeout time.Duration
}

// NewReleaseVerifier loads the armored public key at keyPath.
func NewReleaseVerifier(keyPath string, timeout time.Duration) (*ReleaseVerifier, error) {
	armored, err := os.ReadFile(keyPath) // #nosec G304 - path comes from validated configuration
	if err != nil {
		return nil, errors.Wrap(err, "NewReleaseVerifier")
	}
	key, err := crypto.NewKeyFromArmored(string(armored))
	if err != nil {
		return nil, errors.Wrap(err, "NewReleaseVerifier: "+keyPath)
	}
	return &ReleaseVerifier{
		client:  &http.Client{},
		pgp:     crypto.PGP(),
		key:     key,
		timeout: timeout,
	}, nil
}

// FilterVerified drops mirrors whose InRelease is missing or carries an
// invalid signature. Failing one mirror is recovered locally; an empty
// result is ErrNoMirrors.
func (v *ReleaseVerifier) FilterVerified(ctx context.Context, selection *Selection, release string) (*Selection, error) {
	verified := &Selection{Requested: selection.Requested}

	for _, mirror := range selection.Mirrors {
		if err := v.verifyMirror(ctx, mirror, release); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Warn("dropping mirror with unverifiable release", "mirror", mirror.URL, "error", err)
			continue
		}
		slog.Debug("release signature valid", "mirror", mirror.URL, "key_id", v.key.GetHexKeyID())
		verified.Mirrors = append(verified.Mirrors, mirror)
	}

	if len(verified.Mirrors) == 0 {
		return nil, errors.Mark(errors.New("no selected mirror serves a verifiable release"), ErrNoMirrors)
	}
	return verified, nil
}

func (v *ReleaseVerifier) verifyMirror(ctx context.Context, mirror Record, release string) error {
	fetchCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	target := strings.TrimSuffix(mirror.URL, "/") + "/dists/" + release + "/InRelease"
	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Newf("status %d for %s", resp.StatusCode, target)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, inReleaseLimit))
	if err != nil {
		return err
	}

	verifier, err := v.pgp.Verify().VerificationKey(v.key).New()
	if err != nil {
		return errors.Wrap(err, "failed to create verifier")
	}
	result, err := verifier.VerifyCleartext(body)
	if err != nil {
		return errors.Wrap(err, "InRelease signature verification failed")
	}
	if sigErr := result.SignatureError(); sigErr != nil {
		return errors.Wrap(sigErr, "InRelease signature verification failed")
	}
	return nil
}
