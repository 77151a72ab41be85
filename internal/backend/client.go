package backend

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/valyala/fasthttp"
)

// ErrNotFound はエンティティが存在しない場合のエラーです。
var ErrNotFound = errors.New("entity not found")

// HTTPError は2xx以外のレスポンスを表します。
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Client はポリシー計算APIのクライアントです。
type Client struct {
	baseURL string
	timeout time.Duration
	http    *fasthttp.Client
}

// Option は Client の設定を変更します。
type Option func(*Client)

// WithHTTPClient は内部の fasthttp.Client を差し替えます。
func WithHTTPClient(hc *fasthttp.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// New は Client を作成します。
func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 50 * time.Second
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		http: &fasthttp.Client{
			Name:                "policy-calc",
			MaxIdleConnDuration: time.Minute,
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CalculateHousehold は世帯計算を実行します。結果は同期的に返ります。
func (c *Client) CalculateHousehold(ctx context.Context, req HouseholdRequest) (*HouseholdResponse, error) {
	path := fmt.Sprintf("/%s/household/%s/policy/%s",
		url.PathEscape(req.CountryID), url.PathEscape(req.PopulationID), url.PathEscape(req.PolicyID))

	var out HouseholdResponse
	if err := c.do(ctx, fasthttp.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CalculateEconomy は経済計算をキューに投入、または進捗を取得します。
func (c *Client) CalculateEconomy(ctx context.Context, req EconomyRequest) (*EconomyResponse, error) {
	var out EconomyResponse
	if err := c.do(ctx, fasthttp.MethodGet, economyPath(req), economyQuery(req), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CalculateSocietyWide は社会全体計算をキューに投入、または進捗を取得します。
func (c *Client) CalculateSocietyWide(ctx context.Context, req EconomyRequest) (*SocietyWideResponse, error) {
	var out SocietyWideResponse
	if err := c.do(ctx, fasthttp.MethodGet, economyPath(req), economyQuery(req), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkReportCompleted はレポートを完了状態にして出力を書き戻します。
func (c *Client) MarkReportCompleted(ctx context.Context, countryID, reportID string, payload ReportPayload) error {
	payload.ID = reportID
	path := fmt.Sprintf("/%s/report", url.PathEscape(countryID))
	return c.do(ctx, fasthttp.MethodPatch, path, nil, payload, nil)
}

// UpdateSimulationOutput はシミュレーションの出力を書き戻します。
func (c *Client) UpdateSimulationOutput(ctx context.Context, countryID, simulationID string, output json.RawMessage) error {
	path := fmt.Sprintf("/%s/simulation", url.PathEscape(countryID))
	return c.do(ctx, fasthttp.MethodPatch, path, nil, SimulationPayload{
		ID:     simulationID,
		Status: ReportComplete,
		Output: output,
	}, nil)
}

// FetchReport はレポートを取得します。存在しない場合は ErrNotFound を返します。
func (c *Client) FetchReport(ctx context.Context, countryID, reportID string) (*ReportRecord, error) {
	path := fmt.Sprintf("/%s/report/%s", url.PathEscape(countryID), url.PathEscape(reportID))
	var out ReportRecord
	if err := c.fetchEntity(ctx, path, &out); err != nil {
		return nil, err
	}
	if out.CountryID == "" {
		out.CountryID = countryID
	}
	return &out, nil
}

// FetchSimulation はシミュレーションを取得します。存在しない場合は ErrNotFound を返します。
func (c *Client) FetchSimulation(ctx context.Context, countryID, simulationID string) (*SimulationRecord, error) {
	path := fmt.Sprintf("/%s/simulation/%s", url.PathEscape(countryID), url.PathEscape(simulationID))
	var out SimulationRecord
	if err := c.fetchEntity(ctx, path, &out); err != nil {
		return nil, err
	}
	if out.CountryID == "" {
		out.CountryID = countryID
	}
	return &out, nil
}

func (c *Client) fetchEntity(ctx context.Context, path string, dst any) error {
	var env envelope
	if err := c.do(ctx, fasthttp.MethodGet, path, nil, nil, &env); err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == fasthttp.StatusNotFound {
			return ErrNotFound
		}
		return err
	}
	if len(env.Result) == 0 || string(env.Result) == "null" {
		return ErrNotFound
	}
	if err := json.Unmarshal(env.Result, dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// do は1回のHTTPリクエストを送信し、dst へデコードします。
// ctx のデッドラインがクライアントのタイムアウトより短ければそちらを使います。
func (c *Client) do(ctx context.Context, method, path string, query map[string]string, body any, dst any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")
	for k, v := range query {
		if v != "" {
			req.URI().QueryArgs().Add(k, v)
		}
	}
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(payload)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	status := resp.StatusCode()
	if status < 200 || status >= 300 {
		return &HTTPError{
			Method:     method,
			Path:       path,
			StatusCode: status,
			Body:       string(resp.Body()),
		}
	}

	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), dst); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func economyPath(req EconomyRequest) string {
	return fmt.Sprintf("/%s/economy/%s/over/%s",
		url.PathEscape(req.CountryID), url.PathEscape(req.ReformPolicyID), url.PathEscape(req.BaselinePolicyID))
}

func economyQuery(req EconomyRequest) map[string]string {
	return map[string]string{
		"region":      req.Region,
		"time_period": req.TimePeriod,
		"dataset":     req.Dataset,
	}
}
