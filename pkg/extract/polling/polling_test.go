package polling

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/datavault/pkg/config"
	"github.com/ajitpratap0/datavault/pkg/errors"
	"github.com/ajitpratap0/datavault/pkg/extract"
	"github.com/ajitpratap0/datavault/pkg/ratebudget"
)

func testBudget(sourceID string) *ratebudget.Budget {
	return ratebudget.New(ratebudget.NewMemoryStore(), map[string]config.RateLimitConfig{
		sourceID: {MaxCalls: 1000, Window: time.Minute},
	})
}

func testSourceConfig(baseURL string, maxAttempts int) config.SourceConfig {
	return config.SourceConfig{
		Protocol: config.ProtocolPolling,
		BaseURL:  baseURL,
		RateLimit: config.RateLimitConfig{
			MaxCalls: 1000,
			Window:   time.Minute,
		},
		Poll: config.PollConfig{
			InitialInterval: time.Millisecond,
			MaxInterval:     4 * time.Millisecond,
			MaxAttempts:     maxAttempts,
		},
	}
}

// newTestExtractor builds the extractor with sleeps collapsed so the
// backoff schedule can be observed without waiting it out.
func newTestExtractor(t *testing.T, cfg config.SourceConfig) (*Extractor, *[]time.Duration) {
	t.Helper()
	ex, err := New("moves", cfg)
	require.NoError(t, err)

	e := ex.(*Extractor)
	sleeps := &[]time.Duration{}
	e.sleep = func(ctx context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return ctx.Err()
	}
	return e, sleeps
}

func drain(t *testing.T, stream *extract.Stream) (map[string]string, error) {
	t.Helper()
	items := make(map[string]string)
	var streamErr error

	in, errs := stream.Items, stream.Errors
	for in != nil || errs != nil {
		select {
		case item, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			body, err := io.ReadAll(item.Payload)
			require.NoError(t, err)
			item.Payload.Close()
			items[item.Path] = string(body)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				streamErr = err
			}
		}
	}
	return items, streamErr
}

func TestExtractor_CompletesAfterPolling(t *testing.T) {
	var polls atomic.Int64
	mux := http.NewServeMux()

	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("POST /", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"export_id":"exp-1"}`)
	})
	mux.HandleFunc("GET /exp-1", func(w http.ResponseWriter, r *http.Request) {
		// Ready on the fifth status poll.
		if polls.Add(1) < 5 {
			fmt.Fprint(w, `{"status":"processing"}`)
			return
		}
		fmt.Fprintf(w, `{"status":"complete","files":[{"name":"export.json","url":"%s/files/export.json"}]}`, server.URL)
	})
	mux.HandleFunc("GET /files/export.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"records":[1,2,3]}`)
	})

	ex, sleeps := newTestExtractor(t, testSourceConfig(server.URL, 10))

	stream, err := ex.Extract(context.Background(),
		extract.Credentials{AccessToken: "test-token"}, testBudget("moves"))
	require.NoError(t, err)

	items, streamErr := drain(t, stream)
	require.NoError(t, streamErr)

	require.Len(t, items, 1)
	assert.Equal(t, `{"records":[1,2,3]}`, items["export.json"])
	assert.EqualValues(t, 5, polls.Load())

	// Exponential backoff doubles up to the cap.
	assert.Equal(t, []time.Duration{
		time.Millisecond,
		2 * time.Millisecond,
		4 * time.Millisecond,
		4 * time.Millisecond,
	}, *sleeps)
}

func TestExtractor_ExportNeverCompletes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"export_id":"exp-2"}`)
	})
	mux.HandleFunc("GET /exp-2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"pending"}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	ex, _ := newTestExtractor(t, testSourceConfig(server.URL, 3))

	stream, err := ex.Extract(context.Background(),
		extract.Credentials{AccessToken: "test-token"}, testBudget("moves"))
	require.NoError(t, err)

	_, streamErr := drain(t, stream)
	require.Error(t, streamErr)
	assert.True(t, errors.IsType(streamErr, errors.ErrorTypeExtractionTimeout))
}

func TestExtractor_ExportFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"export_id":"exp-3"}`)
	})
	mux.HandleFunc("GET /exp-3", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"failed","error":"account disabled"}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	ex, _ := newTestExtractor(t, testSourceConfig(server.URL, 3))

	stream, err := ex.Extract(context.Background(),
		extract.Credentials{AccessToken: "test-token"}, testBudget("moves"))
	require.NoError(t, err)

	_, streamErr := drain(t, stream)
	require.Error(t, streamErr)
	assert.True(t, errors.IsType(streamErr, errors.ErrorTypePermanentProvider))
	assert.Contains(t, streamErr.Error(), "account disabled")
}

func TestExtractor_EmptyTicket(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	ex, _ := newTestExtractor(t, testSourceConfig(server.URL, 3))

	stream, err := ex.Extract(context.Background(),
		extract.Credentials{AccessToken: "test-token"}, testBudget("moves"))
	require.NoError(t, err)

	_, streamErr := drain(t, stream)
	require.Error(t, streamErr)
	assert.True(t, errors.IsType(streamErr, errors.ErrorTypePermanentProvider))
}
