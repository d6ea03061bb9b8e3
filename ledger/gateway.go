package ledger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/pawnx/errors"
	"github.com/teranos/pawnx/internal/httpclient"
	"github.com/teranos/pawnx/logger"
)

// Headers sent with every gateway request
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderSignerAccount  = "X-Signer-Account"
	HeaderSignature      = "X-Signature"
)

// Gateway is a Client that talks to a ledger gateway over HTTP. Submissions
// share one rate limiter so concurrent pipelines stay under the signing
// key's per-second ceiling.
type Gateway struct {
	baseURL string
	http    *httpclient.SaferClient
	limiter *rate.Limiter
	logger  *zap.SugaredLogger
}

// GatewayOption configures a Gateway
type GatewayOption func(*Gateway)

// WithHTTPClient replaces the HTTP client (tests use one that allows loopback)
func WithHTTPClient(c *httpclient.SaferClient) GatewayOption {
	return func(g *Gateway) { g.http = c }
}

// WithLimiter replaces the submission limiter
func WithLimiter(l *rate.Limiter) GatewayOption {
	return func(g *Gateway) { g.limiter = l }
}

// NewGateway creates a gateway client. perSecond <= 0 disables limiting.
func NewGateway(baseURL string, timeout time.Duration, perSecond float64, log *zap.SugaredLogger, opts ...GatewayOption) *Gateway {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	g := &Gateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpclient.NewSaferClient(timeout),
		limiter: rate.NewLimiter(limit, burst),
		logger:  log,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// sign computes the request signature over method, path and idempotency key
func sign(key, method, path, idempotencyKey string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(method + "\n" + path + "\n" + idempotencyKey))
	return hex.EncodeToString(mac.Sum(nil))
}

// submit sends one signed transaction and decodes the receipt
func (g *Gateway) submit(ctx context.Context, path string, signer Credentials, body interface{}, out interface{}) error {
	if signer.AccountID == "" || signer.PrivateKey == "" {
		return errors.Mark(errors.Newf("no signing key for %s", path), errors.ErrValidation)
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "ledger submission limiter")
	}

	key := uuid.New().String()
	headers := http.Header{}
	headers.Set(HeaderIdempotencyKey, key)
	headers.Set(HeaderSignerAccount, signer.AccountID)
	headers.Set(HeaderSignature, sign(signer.PrivateKey, http.MethodPost, path, key))

	start := time.Now()
	err := g.http.DoJSON(ctx, http.MethodPost, g.baseURL+path, headers, body, out)
	g.logger.Debugw("Ledger submission",
		"path", path,
		logger.FieldAccount, signer.AccountID,
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
		"error", err)
	return translate(err)
}

func (g *Gateway) query(ctx context.Context, path string, out interface{}) error {
	return translate(g.http.DoJSON(ctx, http.MethodGet, g.baseURL+path, nil, nil, out))
}

// translate turns a gateway error body {"code","message"} into *Error
func translate(err error) error {
	if err == nil {
		return nil
	}
	var se *httpclient.StatusError
	if !errors.As(err, &se) {
		return err
	}
	var body Error
	if jerr := json.Unmarshal([]byte(se.Body), &body); jerr != nil || body.Code == "" {
		return err
	}
	return errors.WithSecondaryError(errors.WithStack(&body), err)
}

func tokenPath(tokenID, action string) string {
	return fmt.Sprintf("/v1/tokens/%s/%s", url.PathEscape(tokenID), action)
}

// CreateToken implements Client
func (g *Gateway) CreateToken(ctx context.Context, spec TokenSpec) (string, *Receipt, error) {
	var out struct {
		TokenID string `json:"token_id"`
		Receipt
	}
	body := map[string]interface{}{
		"name":       spec.Name,
		"symbol":     spec.Symbol,
		"memo":       spec.Memo,
		"max_supply": spec.MaxSupply,
		"treasury":   spec.Treasury.AccountID,
	}
	if err := g.submit(ctx, "/v1/tokens", spec.Treasury, body, &out); err != nil {
		return "", nil, err
	}
	return out.TokenID, &out.Receipt, nil
}

// MintUnits implements Client
func (g *Gateway) MintUnits(ctx context.Context, tokenID string, metadata [][]byte, signer Credentials) (*Receipt, error) {
	var out Receipt
	// []byte marshals as base64
	err := g.submit(ctx, tokenPath(tokenID, "mint"), signer, map[string]interface{}{"metadata": metadata}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Freeze implements Client
func (g *Gateway) Freeze(ctx context.Context, tokenID, account string, signer Credentials) (*Receipt, error) {
	var out Receipt
	if err := g.submit(ctx, tokenPath(tokenID, "freeze"), signer, map[string]string{"account": account}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Unfreeze implements Client
func (g *Gateway) Unfreeze(ctx context.Context, tokenID, account string, signer Credentials) (*Receipt, error) {
	var out Receipt
	if err := g.submit(ctx, tokenPath(tokenID, "unfreeze"), signer, map[string]string{"account": account}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TransferUnits implements Client
func (g *Gateway) TransferUnits(ctx context.Context, tokenID string, serials []int64, from, to string, signer Credentials) (*Receipt, error) {
	var out Receipt
	body := map[string]interface{}{"serials": serials, "from": from, "to": to}
	if err := g.submit(ctx, tokenPath(tokenID, "transfer"), signer, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BurnUnits implements Client
func (g *Gateway) BurnUnits(ctx context.Context, tokenID string, serials []int64, signer Credentials) (*Receipt, error) {
	var out Receipt
	if err := g.submit(ctx, tokenPath(tokenID, "burn"), signer, map[string]interface{}{"serials": serials}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TransferFunds implements Client
func (g *Gateway) TransferFunds(ctx context.Context, paymentTokenID, from, to string, amount float64, signer Credentials) (*Receipt, error) {
	var out Receipt
	body := map[string]interface{}{"token_id": paymentTokenID, "from": from, "to": to, "amount": amount}
	if err := g.submit(ctx, "/v1/funds/transfer", signer, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetBalance implements Client
func (g *Gateway) GetBalance(ctx context.Context, account, tokenID string) (float64, error) {
	var out struct {
		Balance float64 `json:"balance"`
	}
	path := fmt.Sprintf("/v1/accounts/%s/balances/%s", url.PathEscape(account), url.PathEscape(tokenID))
	if err := g.query(ctx, path, &out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

// GetHolders implements Client
func (g *Gateway) GetHolders(ctx context.Context, tokenID string) ([]HolderRecord, error) {
	var out struct {
		Holders []HolderRecord `json:"holders"`
	}
	if err := g.query(ctx, tokenPath(tokenID, "holders"), &out); err != nil {
		return nil, err
	}
	return out.Holders, nil
}
