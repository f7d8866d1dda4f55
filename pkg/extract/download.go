package extract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"

	"golang.org/x/oauth2"

	"github.com/ajitpratap0/datavault/pkg/clients"
	"github.com/ajitpratap0/datavault/pkg/config"
	"github.com/ajitpratap0/datavault/pkg/errors"
)

// FetchFile downloads url to a spool file on local disk, hashing as it
// copies. When expectSize >= 0 or expectSHA256 is non-empty the
// downloaded bytes are verified against them before the file is handed
// over; a mismatch is an integrity_mismatch error. The returned reader
// deletes the spool file on Close.
func FetchFile(ctx context.Context, client *clients.HTTPClient, url string, headers map[string]string, expectSize int64, expectSHA256 string) (io.ReadCloser, int64, string, error) {
	resp, err := client.Get(ctx, url, headers)
	if err != nil {
		return nil, 0, "", errors.Wrap(err, errors.ErrorTypeTransientProvider, "file download failed")
	}
	defer resp.Body.Close()

	if err := ClassifyStatus(resp.StatusCode, ""); err != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		return nil, 0, "", err
	}

	spool, err := os.CreateTemp("", "datavault-fetch-*")
	if err != nil {
		return nil, 0, "", errors.Wrap(err, errors.ErrorTypeInternal, "failed to create spool file")
	}

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(spool, hasher), resp.Body)
	if err != nil {
		spool.Close()
		os.Remove(spool.Name())
		return nil, 0, "", errors.Wrap(err, errors.ErrorTypeTransientProvider, "file download interrupted")
	}

	sum := hex.EncodeToString(hasher.Sum(nil))

	if expectSize >= 0 && size != expectSize {
		spool.Close()
		os.Remove(spool.Name())
		return nil, 0, "", errors.Newf(errors.ErrorTypeIntegrityMismatch,
			"downloaded %d bytes, manifest says %d", size, expectSize).
			WithDetail("url", url)
	}
	if expectSHA256 != "" && sum != expectSHA256 {
		spool.Close()
		os.Remove(spool.Name())
		return nil, 0, "", errors.Newf(errors.ErrorTypeIntegrityMismatch,
			"downloaded content hash %s does not match manifest %s", sum, expectSHA256).
			WithDetail("url", url)
	}

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		spool.Close()
		os.Remove(spool.Name())
		return nil, 0, "", errors.Wrap(err, errors.ErrorTypeInternal, "failed to rewind spool file")
	}

	return &spoolReader{f: spool}, size, sum, nil
}

// spoolReader deletes the backing temp file once closed.
type spoolReader struct {
	f *os.File
}

func (r *spoolReader) Read(p []byte) (int, error) {
	return r.f.Read(p)
}

func (r *spoolReader) Close() error {
	name := r.f.Name()
	err := r.f.Close()
	os.Remove(name)
	return err
}

// TokenManagerFor builds the token manager for a job's credentials
// against a source's refresh endpoint, when it has one.
func TokenManagerFor(ctx context.Context, creds Credentials, cfg config.SourceConfig) *clients.TokenManager {
	var endpoint *oauth2.Endpoint
	if cfg.TokenURL != "" {
		endpoint = &oauth2.Endpoint{TokenURL: cfg.TokenURL}
	}
	return clients.NewTokenManager(ctx, creds.Token(), endpoint,
		creds.Extra["client_id"], creds.Extra["client_secret"])
}

// BearerHeaders builds the authorization headers for a provider request.
func BearerHeaders(token string) map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + token,
		"Accept":        "application/json",
	}
}

// StatusBody reads a bounded prefix of an error response body for
// diagnostics.
func StatusBody(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return string(body)
}
