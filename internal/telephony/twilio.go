package telephony

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	twapi "github.com/twilio/twilio-go/rest/api/v2010"
)

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string

	// PublicBaseURL is where Twilio reaches our webhooks, e.g. https://dialer.example.com.
	PublicBaseURL string
	// APIBaseURL redirects REST calls to another host (tests, proxies).
	APIBaseURL string

	HTTPTimeout time.Duration
}

var twilioCallbackEvents = []string{"initiated", "ringing", "answered", "completed"}

// TwilioGateway places and controls calls through the Twilio REST API. The SDK
// types stay inside this package.
type TwilioGateway struct {
	cfg  TwilioConfig
	rest *twilio.RestClient
}

func NewTwilioGateway(cfg TwilioConfig) (*TwilioGateway, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("telephony: twilio account sid and auth token are required")
	}
	if cfg.FromNumber == "" {
		return nil, errors.New("telephony: twilio from number is required")
	}
	if cfg.PublicBaseURL == "" {
		return nil, errors.New("telephony: public base url is required for twilio callbacks")
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	if cfg.APIBaseURL != "" {
		base, err := url.Parse(strings.TrimRight(cfg.APIBaseURL, "/"))
		if err != nil || base.Host == "" {
			return nil, fmt.Errorf("telephony: invalid twilio api base url %q", cfg.APIBaseURL)
		}
		httpClient.Transport = hostRewrite{base: base, next: http.DefaultTransport}
	}

	c := &twclient.Client{
		Credentials: twclient.NewCredentials(cfg.AccountSID, cfg.AuthToken),
		HTTPClient:  httpClient,
	}
	c.SetAccountSid(cfg.AccountSID)

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username:   cfg.AccountSID,
		Password:   cfg.AuthToken,
		AccountSid: cfg.AccountSID,
		Client:     c,
	})
	return &TwilioGateway{cfg: cfg, rest: rest}, nil
}

func (g *TwilioGateway) Name() string { return "twilio" }

// HealthCheck fetches the account resource, which proves the credentials work.
func (g *TwilioGateway) HealthCheck(ctx context.Context) error {
	acct, err := withContext(ctx, func() (*twapi.ApiV2010Account, error) {
		return g.rest.Api.FetchAccount(g.cfg.AccountSID)
	})
	if err != nil {
		return classifyTwilioError(err)
	}
	if acct.Status != nil && *acct.Status != "active" {
		return fmt.Errorf("telephony: twilio account is %s", *acct.Status)
	}
	return nil
}

func (g *TwilioGateway) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	from := req.CallerID
	if from == "" {
		from = g.cfg.FromNumber
	}
	q := url.Values{"call_id": {req.CallID}}.Encode()

	params := &twapi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(from)
	params.SetUrl(g.cfg.PublicBaseURL + "/webhooks/twilio/answer?" + q)
	params.SetMethod(http.MethodPost)
	params.SetStatusCallback(g.cfg.PublicBaseURL + "/webhooks/twilio/status?" + q)
	params.SetStatusCallbackMethod(http.MethodPost)
	params.SetStatusCallbackEvent(twilioCallbackEvents)

	call, err := withContext(ctx, func() (*twapi.ApiV2010Call, error) {
		return g.rest.Api.CreateCall(params)
	})
	if err != nil {
		return PlaceCallResult{}, classifyTwilioError(err)
	}
	if call.Sid == nil || *call.Sid == "" {
		return PlaceCallResult{}, errors.New("telephony: twilio returned no call sid")
	}
	return PlaceCallResult{ProviderRef: *call.Sid}, nil
}

// Hangup ends a call in any state by moving it to completed.
func (g *TwilioGateway) Hangup(ctx context.Context, providerRef string) error {
	if providerRef == "" {
		return errors.New("telephony: provider ref is required")
	}
	params := &twapi.UpdateCallParams{}
	params.SetStatus("completed")
	_, err := withContext(ctx, func() (*twapi.ApiV2010Call, error) {
		return g.rest.Api.UpdateCall(providerRef, params)
	})
	if err != nil {
		return classifyTwilioError(err)
	}
	return nil
}

// classifyTwilioError maps 4xx answers other than 429 to ErrRejected.
func classifyTwilioError(err error) error {
	var rest *twclient.TwilioRestError
	if !errors.As(err, &rest) {
		return fmt.Errorf("telephony: twilio request: %w", err)
	}
	if rest.Status >= 400 && rest.Status < 500 && rest.Status != http.StatusTooManyRequests {
		return fmt.Errorf("%w: twilio %d (code %d): %s", ErrRejected, rest.Status, rest.Code, rest.Message)
	}
	return fmt.Errorf("telephony: twilio %d (code %d): %s", rest.Status, rest.Code, rest.Message)
}

// withContext runs a blocking SDK call and returns early when ctx ends. The
// request itself is bounded by the HTTP client timeout.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

type hostRewrite struct {
	base *url.URL
	next http.RoundTripper
}

func (h hostRewrite) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.URL.Scheme = h.base.Scheme
	r.URL.Host = h.base.Host
	r.Host = h.base.Host
	return h.next.RoundTrip(r)
}
