package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	logx "postpilot/pkg/logx"
)

const maxErrorBody = 4 << 10

var _ Client = (*HTTPClient)(nil)

// HTTPClient implements Client over net/http.
type HTTPClient struct {
	cfg     Config
	hc      *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

// New builds an HTTPClient, filling unset URLs and limits with defaults.
// hc may be nil.
func New(cfg Config, hc *http.Client, log logx.Logger) *HTTPClient {
	cfg = withDefaults(cfg)
	if hc == nil {
		hc = &http.Client{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	return &HTTPClient{
		cfg:     cfg,
		hc:      hc,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst),
		log:     log.With(logx.String("comp", "platform")),
	}
}

func withDefaults(cfg Config) Config {
	if cfg.AuthURL == "" {
		cfg.AuthURL = DefaultAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.PostsURL == "" {
		cfg.PostsURL = DefaultPostsURL
	}
	if cfg.ProfileURL == "" {
		cfg.ProfileURL = DefaultProfileURL
	}
	if cfg.Scopes == "" {
		cfg.Scopes = DefaultScopes
	}
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	return cfg
}

func (c *HTTPClient) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", c.cfg.RedirectURI)
	q.Set("state", state)
	q.Set("scope", c.cfg.Scopes)
	return c.cfg.AuthURL + "?" + q.Encode()
}

func (c *HTTPClient) ExchangeCode(ctx context.Context, code string) (Token, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.cfg.RedirectURI)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	return c.tokenCall(ctx, "exchange", form)
}

func (c *HTTPClient) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	return c.tokenCall(ctx, "refresh", form)
}

func (c *HTTPClient) tokenCall(ctx context.Context, op string, form url.Values) (Token, error) {
	var tok Token
	body, _, err := c.do(ctx, op, http.MethodPost, c.cfg.TokenURL, "application/x-www-form-urlencoded",
		strings.NewReader(form.Encode()), nil)
	if err != nil {
		return tok, err
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return tok, &RemoteError{Op: op, StatusCode: http.StatusOK, Err: err}
	}
	if tok.AccessToken == "" {
		return tok, &RemoteError{Op: op, StatusCode: http.StatusOK, Err: errors.New("response has no access_token")}
	}
	return tok, nil
}

func (c *HTTPClient) FetchProfile(ctx context.Context, accessToken string) (Profile, error) {
	var p Profile
	body, _, err := c.do(ctx, "profile", http.MethodGet, c.cfg.ProfileURL, "", nil, map[string]string{
		"Authorization":             "Bearer " + accessToken,
		"X-Restli-Protocol-Version": "2.0.0",
	})
	if err != nil {
		return p, err
	}
	var raw struct {
		ID                 string         `json:"id"`
		LocalizedFirstName string         `json:"localizedFirstName"`
		LocalizedLastName  string         `json:"localizedLastName"`
		FirstName          localizedField `json:"firstName"`
		LastName           localizedField `json:"lastName"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return p, &RemoteError{Op: "profile", StatusCode: http.StatusOK, Err: err}
	}
	if raw.ID == "" {
		return p, &RemoteError{Op: "profile", StatusCode: http.StatusOK, Err: errors.New("profile has no id")}
	}
	p.ID = raw.ID
	p.FirstName = firstNonEmpty(raw.LocalizedFirstName, raw.FirstName.first())
	p.LastName = firstNonEmpty(raw.LocalizedLastName, raw.LastName.first())
	return p, nil
}

func (c *HTTPClient) Publish(ctx context.Context, req PublishRequest) (Result, error) {
	payload := map[string]any{
		"author":       req.AuthorURN,
		"commentary":   req.Commentary,
		"visibility":   "PUBLIC",
		"distribution": map[string]any{"feedDistribution": "MAIN_FEED"},
	}
	if len(req.Media) > 0 {
		payload["content"] = map[string]any{"media": req.Media}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, &RemoteError{Op: "publish", Err: err}
	}

	body, hdr, err := c.do(ctx, "publish", http.MethodPost, c.cfg.PostsURL, "application/json", bytes.NewReader(b), map[string]string{
		"Authorization":             "Bearer " + req.AccessToken,
		"X-Restli-Protocol-Version": "2.0.0",
		"LinkedIn-Version":          c.cfg.Version,
	})
	if err != nil {
		return nil, err
	}

	res := Result{}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &res); err != nil {
			c.log.Debug("publish response is not a json object", logx.Err(err))
			res = Result{"raw": string(body)}
		}
	}
	if _, ok := res["id"]; !ok {
		if id := hdr.Get("x-restli-id"); id != "" {
			res["id"] = id
		}
	}
	return res, nil
}

// do performs one bounded call and returns the body of a 2xx response.
func (c *HTTPClient) do(ctx context.Context, op, method, endpoint, contentType string, body io.Reader, headers map[string]string) ([]byte, http.Header, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, wrapTransport(ctx, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, nil, &RemoteError{Op: op, Err: err}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		req.Header.Set(k, headers[k])
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, nil, wrapTransport(ctx, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.log.Debug("platform call rejected",
			logx.String("op", op),
			logx.Int("status", resp.StatusCode),
			logx.Duration("took", time.Since(start)),
		)
		return nil, nil, &RemoteError{Op: op, StatusCode: resp.StatusCode, Body: string(b)}
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, wrapTransport(ctx, op, err)
	}
	c.log.Trace("platform call ok",
		logx.String("op", op),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)
	return b, resp.Header, nil
}

func wrapTransport(ctx context.Context, op string, err error) error {
	timeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		timeout = true
	}
	return &RemoteError{Op: op, Timeout: timeout, Err: err}
}

// localizedField decodes {"localized": {"en_US": "Ada"}, ...}.
type localizedField struct {
	Localized map[string]string `json:"localized"`
}

func (f localizedField) first() string {
	if len(f.Localized) == 0 {
		return ""
	}
	keys := make([]string, 0, len(f.Localized))
	for k := range f.Localized {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return f.Localized[keys[0]]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
