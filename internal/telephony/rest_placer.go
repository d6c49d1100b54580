package telephony

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

type RESTConfig struct {
	BaseURL string
	APIKey  string

	// DefaultFrom is the caller id used when a request has none.
	DefaultFrom string
	// StatusCallbackURL is sent with every call so outcomes come back to us.
	StatusCallbackURL string

	RequestsPerSecond float64
	Timeout           time.Duration
}

// RESTPlacer places calls through a JSON REST API.
// Outgoing requests are paced by a token bucket so dispatch bursts do not
// trip provider-side API rate limits.
type RESTPlacer struct {
	client      *resty.Client
	limiter     *rate.Limiter
	defaultFrom string
	callbackURL string
	now         func() time.Time
}

func NewRESTPlacer(cfg RESTConfig) (*RESTPlacer, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("%w: base url required", ErrNotConfigured)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	burst := int(cfg.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}

	return &RESTPlacer{
		client:      client,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		defaultFrom: cfg.DefaultFrom,
		callbackURL: cfg.StatusCallbackURL,
		now:         time.Now,
	}, nil
}

func (p *RESTPlacer) Name() string { return "rest" }

type placeCallBody struct {
	From           string            `json:"from"`
	To             string            `json:"to"`
	StatusCallback string            `json:"status_callback,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type placeCallResponse struct {
	CallID string `json:"call_id"`
	Status string `json:"status"`
}

type providerError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (p *RESTPlacer) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	from := req.From
	if from == "" {
		from = p.defaultFrom
	}
	if strings.TrimSpace(req.To) == "" || from == "" {
		return PlaceCallResult{}, fmt.Errorf("%w: from and to required", ErrPlacementRejected)
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return PlaceCallResult{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	meta := map[string]string{
		"account_id":     req.AccountID,
		"campaign_id":    req.CampaignID,
		"lead_id":        req.LeadID,
		"queue_entry_id": req.QueueEntryID,
	}
	for k, v := range req.Context {
		meta[k] = v
	}

	var (
		out     placeCallResponse
		failure providerError
	)
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(placeCallBody{From: from, To: req.To, StatusCallback: p.callbackURL, Metadata: meta}).
		SetResult(&out).
		SetError(&failure).
		Post("/v1/calls")
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return PlaceCallResult{}, err
		}
		return PlaceCallResult{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	if resp.IsError() {
		msg := failure.Message
		if msg == "" {
			msg = failure.Error
		}
		if msg == "" {
			msg = resp.Status()
		}
		code := resp.StatusCode()
		if code >= http.StatusInternalServerError || code == http.StatusTooManyRequests {
			return PlaceCallResult{}, fmt.Errorf("%w: status %d: %s", ErrUnreachable, code, msg)
		}
		return PlaceCallResult{}, fmt.Errorf("%w: status %d: %s", ErrPlacementRejected, code, msg)
	}
	if out.CallID == "" {
		return PlaceCallResult{}, fmt.Errorf("%w: provider returned no call id", ErrPlacementRejected)
	}

	return PlaceCallResult{ProviderCallID: out.CallID, From: from, AcceptedAt: p.now().UTC()}, nil
}
