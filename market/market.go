// Package market fetches the reference asset price used to value pawned
// collateral and records it in the vault.
package market

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pawnx/errors"
	"github.com/teranos/pawnx/internal/httpclient"
	"github.com/teranos/pawnx/internal/util"
	"github.com/teranos/pawnx/logger"
	"github.com/teranos/pawnx/pulse/async"
	"github.com/teranos/pawnx/vault"
)

// GramsPerTroyOunce converts ounce quotes to per-gram prices
const GramsPerTroyOunce = 31.1034768

// Quote is the price source reply
type Quote struct {
	Asset    string  `json:"asset"`
	Price    float64 `json:"price"`
	Currency string  `json:"currency"`
	// Unit is "gram" or "ounce"; gram when empty
	Unit string `json:"unit"`
}

// PerGram normalizes the quote to a price per gram
func (q Quote) PerGram() (float64, error) {
	switch strings.ToLower(q.Unit) {
	case "", "g", "gram":
		return util.RoundCents(q.Price), nil
	case "oz", "ounce", "troy_ounce":
		return util.RoundCents(q.Price / GramsPerTroyOunce), nil
	default:
		return 0, errors.Newf("unknown price unit %q", q.Unit)
	}
}

// Fetcher reads prices from an HTTP price source
type Fetcher struct {
	client *httpclient.SaferClient
	base   string
	logger *zap.SugaredLogger
}

// NewFetcher creates a fetcher for the source at base
func NewFetcher(client *httpclient.SaferClient, base string, log *zap.SugaredLogger) *Fetcher {
	return &Fetcher{client: client, base: base, logger: log}
}

// Fetch returns the current per-gram price of asset
func (f *Fetcher) Fetch(ctx context.Context, asset string) (*vault.AssetPrice, error) {
	if f.base == "" {
		return nil, errors.NewValidationError("market.price_url is not configured")
	}
	u, err := url.Parse(f.base)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "invalid market.price_url %q", f.base), errors.ErrValidation)
	}
	query := u.Query()
	query.Set("asset", asset)
	u.RawQuery = query.Encode()

	var q Quote
	if err := f.client.DoJSON(ctx, http.MethodGet, u.String(), nil, nil, &q); err != nil {
		var se *httpclient.StatusError
		if errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500 && se.StatusCode != http.StatusTooManyRequests {
			return nil, async.Unrecoverable(errors.Wrapf(err, "price source rejected %s", asset))
		}
		return nil, errors.Wrapf(err, "failed to fetch %s price", asset)
	}
	if q.Price <= 0 {
		return nil, errors.Newf("price source returned non-positive price %v for %s", q.Price, asset)
	}
	perGram, err := q.PerGram()
	if err != nil {
		return nil, async.Unrecoverable(err)
	}
	if q.Asset != "" && !strings.EqualFold(q.Asset, asset) {
		return nil, async.Unrecoverable(errors.Newf("price source answered for %s, asked for %s", q.Asset, asset))
	}

	return &vault.AssetPrice{
		Asset:    strings.ToUpper(asset),
		Price:    perGram,
		Currency: q.Currency,
		Source:   u.Host,
	}, nil
}

// Job is the gold-price queue payload. Asset overrides the configured one.
type Job struct {
	Asset string `json:"asset,omitempty"`
}

// Handler runs gold-price jobs
type Handler struct {
	fetcher *Fetcher
	store   *vault.Store
	asset   string
	logger  *zap.SugaredLogger
}

// NewHandler creates the price fetch handler for the default asset
func NewHandler(fetcher *Fetcher, store *vault.Store, asset string, log *zap.SugaredLogger) *Handler {
	return &Handler{fetcher: fetcher, store: store, asset: asset, logger: log}
}

// Execute implements async.JobHandler
func (h *Handler) Execute(ctx context.Context, job *async.Job, progress async.ProgressReporter) (interface{}, error) {
	var p Job
	if len(job.Payload) > 0 {
		if err := job.Decode(&p); err != nil {
			return nil, async.Unrecoverable(errors.Wrap(err, "invalid price payload"))
		}
	}
	asset := p.Asset
	if asset == "" {
		asset = h.asset
	}

	start := time.Now()
	price, err := h.fetcher.Fetch(ctx, asset)
	if err != nil {
		return nil, err
	}
	_ = progress.Report(ctx, 50)

	if err := h.store.InsertPrice(ctx, price); err != nil {
		return nil, err
	}
	h.logger.Infow("Recorded asset price",
		logger.FieldJobID, job.ID,
		logger.FieldSymbol, price.Asset,
		logger.FieldAmount, price.Price,
		"currency", price.Currency,
		logger.FieldDurationMS, time.Since(start).Milliseconds())
	return price, nil
}
