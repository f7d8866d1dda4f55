// Package bulkfile implements extraction from providers that publish a
// manifest of downloadable files (genomic raw data, sequencing reads,
// uploaded sample archives). Files are downloaded with bounded
// concurrency, each download rate-gated, and verified against the
// manifest's size and hash when the provider supplies them.
package bulkfile

import (
	"context"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/datavault/pkg/clients"
	"github.com/ajitpratap0/datavault/pkg/config"
	"github.com/ajitpratap0/datavault/pkg/errors"
	"github.com/ajitpratap0/datavault/pkg/extract"
	"github.com/ajitpratap0/datavault/pkg/logger"
	"github.com/ajitpratap0/datavault/pkg/ratebudget"
)

func init() {
	if err := extract.Register(config.ProtocolBulkFile, New); err != nil {
		panic(err)
	}
}

// Extractor downloads every file listed in the provider's manifest.
type Extractor struct {
	sourceID string
	cfg      config.SourceConfig
	client   *clients.HTTPClient
	logger   *zap.Logger
}

// manifest is the provider's wire format for the downloadable file set.
type manifest struct {
	Files []manifestFile `json:"files"`
}

type manifestFile struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	// Size is nil when the provider does not state one
	Size     *int64            `json:"size,omitempty"`
	SHA256   string            `json:"sha256,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// New builds a bulk-file extractor for one source.
func New(sourceID string, cfg config.SourceConfig) (extract.Extractor, error) {
	httpCfg := clients.DefaultHTTPConfig()
	if cfg.RequestTimeout > 0 {
		httpCfg.RequestTimeout = cfg.RequestTimeout
	}
	return &Extractor{
		sourceID: sourceID,
		cfg:      cfg,
		client:   clients.NewHTTPClient(httpCfg, logger.Get()),
		logger:   logger.With(zap.String("extractor", "bulkfile"), zap.String("source", sourceID)),
	}, nil
}

// SourceID implements extract.Extractor.
func (e *Extractor) SourceID() string {
	return e.sourceID
}

// Extract fetches the manifest, then streams each file through a spool
// with integrity verification.
func (e *Extractor) Extract(ctx context.Context, creds extract.Credentials, budget *ratebudget.Budget) (*extract.Stream, error) {
	tokens := extract.TokenManagerFor(ctx, creds, e.cfg)

	items := make(chan *extract.Item)
	errc := make(chan error, 1)

	go func() {
		defer close(items)
		defer close(errc)

		m, err := e.fetchManifest(ctx, tokens, budget)
		if err != nil {
			errc <- err
			return
		}
		e.logger.Info("manifest fetched", zap.Int("files", len(m.Files)))

		limit := e.cfg.MaxConcurrency
		if limit <= 0 {
			limit = 4
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)

		for _, f := range m.Files {
			f := f
			g.Go(func() error {
				return e.download(gctx, tokens, budget, f, items)
			})
		}

		if err := g.Wait(); err != nil {
			errc <- err
		}
	}()

	return &extract.Stream{Items: items, Errors: errc}, nil
}

func (e *Extractor) fetchManifest(ctx context.Context, tokens *clients.TokenManager, budget *ratebudget.Budget) (*manifest, error) {
	if err := budget.Acquire(ctx, e.sourceID, 1); err != nil {
		return nil, err
	}

	token, err := tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := e.client.Get(ctx, e.cfg.BaseURL, extract.BearerHeaders(token))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransientProvider, "manifest request failed")
	}
	defer resp.Body.Close()

	if err := extract.ClassifyStatus(resp.StatusCode, extract.StatusBody(resp)); err != nil {
		return nil, err
	}

	var m manifest
	if err := gojson.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePermanentProvider, "undecodable manifest")
	}
	return &m, nil
}

func (e *Extractor) download(ctx context.Context, tokens *clients.TokenManager, budget *ratebudget.Budget, f manifestFile, items chan<- *extract.Item) error {
	if err := budget.Acquire(ctx, e.sourceID, 1); err != nil {
		return err
	}

	token, err := tokens.AccessToken(ctx)
	if err != nil {
		return err
	}

	expectSize := int64(-1)
	if f.Size != nil {
		expectSize = *f.Size
	}

	payload, size, sum, err := extract.FetchFile(ctx, e.client, f.URL,
		extract.BearerHeaders(token), expectSize, f.SHA256)
	if err != nil {
		return err
	}

	item := &extract.Item{
		Path:     f.Name,
		Payload:  payload,
		SHA256:   sum,
		Size:     size,
		Metadata: f.Metadata,
	}

	select {
	case items <- item:
		return nil
	case <-ctx.Done():
		payload.Close()
		return errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "extraction interrupted")
	}
}
