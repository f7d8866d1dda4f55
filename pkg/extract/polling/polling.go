// Package polling implements extraction from providers with an
// asynchronous export API: the extractor submits an export request,
// polls its status with exponential backoff until the provider reports
// completion, then downloads the produced files.
package polling

import (
	"context"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ajitpratap0/datavault/pkg/clients"
	"github.com/ajitpratap0/datavault/pkg/config"
	"github.com/ajitpratap0/datavault/pkg/errors"
	"github.com/ajitpratap0/datavault/pkg/extract"
	"github.com/ajitpratap0/datavault/pkg/logger"
	"github.com/ajitpratap0/datavault/pkg/ratebudget"
)

func init() {
	if err := extract.Register(config.ProtocolPolling, New); err != nil {
		panic(err)
	}
}

// Extractor drives a submit-poll-download export cycle.
type Extractor struct {
	sourceID string
	cfg      config.SourceConfig
	client   *clients.HTTPClient
	logger   *zap.Logger

	// sleep is swappable for tests
	sleep func(ctx context.Context, d time.Duration) error
}

// exportTicket is the provider's response to an export submission.
type exportTicket struct {
	ExportID string `json:"export_id"`
}

// exportStatus is the provider's response to a status poll.
type exportStatus struct {
	// Status is pending, processing, complete, or failed
	Status string       `json:"status"`
	Error  string       `json:"error,omitempty"`
	Files  []exportFile `json:"files,omitempty"`
}

type exportFile struct {
	Name     string            `json:"name"`
	URL      string            `json:"url"`
	Size     *int64            `json:"size,omitempty"`
	SHA256   string            `json:"sha256,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// New builds a polling extractor for one source.
func New(sourceID string, cfg config.SourceConfig) (extract.Extractor, error) {
	httpCfg := clients.DefaultHTTPConfig()
	if cfg.RequestTimeout > 0 {
		httpCfg.RequestTimeout = cfg.RequestTimeout
	}
	return &Extractor{
		sourceID: sourceID,
		cfg:      cfg,
		client:   clients.NewHTTPClient(httpCfg, logger.Get()),
		logger:   logger.With(zap.String("extractor", "polling"), zap.String("source", sourceID)),
		sleep:    sleepCtx,
	}, nil
}

// SourceID implements extract.Extractor.
func (e *Extractor) SourceID() string {
	return e.sourceID
}

// Extract submits the export, waits for completion, then streams the
// produced files.
func (e *Extractor) Extract(ctx context.Context, creds extract.Credentials, budget *ratebudget.Budget) (*extract.Stream, error) {
	tokens := extract.TokenManagerFor(ctx, creds, e.cfg)

	items := make(chan *extract.Item)
	errc := make(chan error, 1)

	go func() {
		defer close(items)
		defer close(errc)

		exportID, err := e.submit(ctx, tokens, budget)
		if err != nil {
			errc <- err
			return
		}
		e.logger.Info("export submitted", zap.String("export_id", exportID))

		status, err := e.await(ctx, tokens, budget, exportID)
		if err != nil {
			errc <- err
			return
		}

		for _, f := range status.Files {
			if err := e.emit(ctx, tokens, budget, f, items); err != nil {
				errc <- err
				return
			}
		}
	}()

	return &extract.Stream{Items: items, Errors: errc}, nil
}

func (e *Extractor) submit(ctx context.Context, tokens *clients.TokenManager, budget *ratebudget.Budget) (string, error) {
	if err := budget.Acquire(ctx, e.sourceID, 1); err != nil {
		return "", err
	}

	token, err := tokens.AccessToken(ctx)
	if err != nil {
		return "", err
	}

	resp, err := e.client.Post(ctx, e.cfg.BaseURL, strings.NewReader("{}"), extract.BearerHeaders(token))
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeTransientProvider, "export submission failed")
	}
	defer resp.Body.Close()

	if err := extract.ClassifyStatus(resp.StatusCode, extract.StatusBody(resp)); err != nil {
		return "", err
	}

	var ticket exportTicket
	if err := gojson.NewDecoder(resp.Body).Decode(&ticket); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypePermanentProvider, "undecodable export ticket")
	}
	if ticket.ExportID == "" {
		return "", errors.New(errors.ErrorTypePermanentProvider, "provider returned empty export id")
	}
	return ticket.ExportID, nil
}

// await polls the export until completion, failing with
// extraction_timeout once the attempt budget is spent.
func (e *Extractor) await(ctx context.Context, tokens *clients.TokenManager, budget *ratebudget.Budget, exportID string) (*exportStatus, error) {
	interval := e.cfg.Poll.InitialInterval

	for attempt := 1; attempt <= e.cfg.Poll.MaxAttempts; attempt++ {
		status, err := e.poll(ctx, tokens, budget, exportID)
		if err != nil {
			return nil, err
		}

		switch status.Status {
		case "complete":
			return status, nil
		case "failed":
			return nil, errors.Newf(errors.ErrorTypePermanentProvider,
				"provider export failed: %s", status.Error)
		case "pending", "processing":
			// keep polling
		default:
			return nil, errors.Newf(errors.ErrorTypePermanentProvider,
				"provider reported unknown export status %q", status.Status)
		}

		e.logger.Debug("export not ready",
			zap.Int("attempt", attempt),
			zap.Duration("next_poll", interval))

		if err := e.sleep(ctx, interval); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeCancelled, "poll interrupted")
		}
		interval *= 2
		if interval > e.cfg.Poll.MaxInterval {
			interval = e.cfg.Poll.MaxInterval
		}
	}

	return nil, errors.Newf(errors.ErrorTypeExtractionTimeout,
		"export %s not complete after %d polls", exportID, e.cfg.Poll.MaxAttempts)
}

func (e *Extractor) poll(ctx context.Context, tokens *clients.TokenManager, budget *ratebudget.Budget, exportID string) (*exportStatus, error) {
	if err := budget.Acquire(ctx, e.sourceID, 1); err != nil {
		return nil, err
	}

	token, err := tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := e.client.Get(ctx, e.cfg.BaseURL+"/"+exportID, extract.BearerHeaders(token))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransientProvider, "status poll failed")
	}
	defer resp.Body.Close()

	if err := extract.ClassifyStatus(resp.StatusCode, extract.StatusBody(resp)); err != nil {
		return nil, err
	}

	var status exportStatus
	if err := gojson.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePermanentProvider, "undecodable export status")
	}
	return &status, nil
}

func (e *Extractor) emit(ctx context.Context, tokens *clients.TokenManager, budget *ratebudget.Budget, f exportFile, items chan<- *extract.Item) error {
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

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
