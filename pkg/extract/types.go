// Package extract defines the extraction layer: a closed set of
// protocol-specific extractors behind one interface, each pulling a
// user's data out of a provider and emitting items as a stream so
// archiving can begin before retrieval finishes.
package extract

import (
	"context"
	"io"
	"time"

	"golang.org/x/oauth2"

	"github.com/ajitpratap0/datavault/pkg/errors"
	"github.com/ajitpratap0/datavault/pkg/ratebudget"
)

// Credentials is the opaque token bundle carried by a job descriptor.
type Credentials struct {
	AccessToken  string            `json:"access_token"`
	RefreshToken string            `json:"refresh_token,omitempty"`
	Expiry       time.Time         `json:"expiry,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// Token converts the credentials into an OAuth2 token.
func (c Credentials) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		Expiry:       c.Expiry,
		TokenType:    "Bearer",
	}
}

// Item is one unit of extracted data: a payload destined for a logical
// path inside the job's archive. SHA256 and Size are set when the
// provider supplies them; the archive builder computes missing hashes.
type Item struct {
	// Path is the item's relative path inside the archive
	Path string
	// Payload is the item's content; the consumer owns closing it
	Payload io.ReadCloser
	// SHA256 is the hex content hash, empty if unknown
	SHA256 string
	// Size is the payload length in bytes, -1 if unknown
	Size int64
	// Metadata carries provider tags surfaced in the archive manifest
	Metadata map[string]string
}

// Stream is a finite sequence of extracted items. Items closes when
// extraction completes; a value on Errors terminates the stream early.
// A stream is not restartable, retries need a fresh Extract call.
type Stream struct {
	Items  <-chan *Item
	Errors <-chan error
}

// Extractor drives one provider's retrieval protocol. Implementations
// must call budget.Acquire before every outbound request they issue.
type Extractor interface {
	// SourceID returns the provider this extractor was built for
	SourceID() string

	// Extract begins retrieval and returns the item stream
	Extract(ctx context.Context, creds Credentials, budget *ratebudget.Budget) (*Stream, error)
}

// ClassifyStatus maps a provider HTTP status code onto the error
// taxonomy. 2xx codes map to nil.
func ClassifyStatus(code int, body string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == 401 || code == 403:
		return errors.Newf(errors.ErrorTypeAuthExpired, "provider rejected credentials (%d)", code).
			WithDetail("body", body)
	case code == 429 || code >= 500:
		return errors.Newf(errors.ErrorTypeTransientProvider, "provider returned %d", code).
			WithDetail("body", body)
	case code >= 400:
		return errors.Newf(errors.ErrorTypePermanentProvider, "provider returned %d", code).
			WithDetail("body", body)
	default:
		return errors.Newf(errors.ErrorTypeTransientProvider, "unexpected status %d", code)
	}
}
