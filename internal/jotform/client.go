// Package jotform is a client for the form-submission provider's REST API.
package jotform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/controlcentre/section21/pkg/circuitbreaker"
)

// MaxSubmissionLimit is the largest page the provider returns for one
// submissions request. No pagination is performed beyond this page.
const MaxSubmissionLimit = 1000

var (
	// ErrUnexpectedStatus is returned for non-2xx provider responses.
	ErrUnexpectedStatus = errors.New("unexpected provider response status")
	// ErrProviderUnavailable wraps transport and decoding failures.
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// decorativeTypes are question types that collect no data.
var decorativeTypes = map[string]bool{
	"control_head":      true,
	"control_button":    true,
	"control_pagebreak": true,
	"control_divider":   true,
	"control_collapse":  true,
}

// StatusError carries the HTTP status of a failed provider call.
type StatusError struct {
	StatusCode int
	Path       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s returned %d", ErrUnexpectedStatus, e.Path, e.StatusCode)
}

// Unwrap lets errors.Is match ErrUnexpectedStatus.
func (e *StatusError) Unwrap() error { return ErrUnexpectedStatus }

// Config holds client configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// DefaultConfig returns defaults for the public API endpoint.
func DefaultConfig() Config {
	return Config{
		BaseURL: "https://api.jotform.com",
		Timeout: 30 * time.Second,
	}
}

// Client talks to the provider. Every call is routed through a circuit breaker
// when one is configured.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewClient creates a provider client. breaker may be nil.
func NewClient(cfg Config, breaker *circuitbreaker.Breaker, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    breaker,
		logger:     logger,
		tracer:     otel.Tracer("jotform-client"),
	}
}

// BreakerConfig returns circuit breaker settings that ignore client errors:
// a 404 for a mistyped form id says nothing about provider health.
func BreakerConfig() circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig("jotform")
	cfg.IsSuccessful = func(err error) bool {
		var se *StatusError
		if errors.As(err, &se) {
			return se.StatusCode < 500 && se.StatusCode != http.StatusTooManyRequests
		}
		return err == nil
	}
	return cfg
}

// FetchFormTitle returns the title of a form.
func (c *Client) FetchFormTitle(ctx context.Context, formID string) (string, error) {
	var form rawForm
	if _, err := c.get(ctx, "/form/"+url.PathEscape(formID), nil, &form); err != nil {
		return "", err
	}
	return strings.TrimSpace(form.Title), nil
}

// FetchSubmissions returns a single page of at most limit submissions.
func (c *Client) FetchSubmissions(ctx context.Context, formID string, limit int) (*SubmissionBatch, error) {
	if limit <= 0 || limit > MaxSubmissionLimit {
		limit = MaxSubmissionLimit
	}

	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))

	var subs []Submission
	rs, err := c.get(ctx, "/form/"+url.PathEscape(formID)+"/submissions", params, &subs)
	if err != nil {
		return nil, err
	}

	batch := &SubmissionBatch{Submissions: subs, Limit: limit}
	count := len(subs)
	if rs != nil && rs.Count.Int() > count {
		count = rs.Count.Int()
	}
	batch.Truncated = count >= limit
	if batch.Truncated {
		c.logger.Warn("submission page is full, later submissions are not synchronized",
			zap.String("form_id", formID),
			zap.Int("limit", limit))
	}
	return batch, nil
}

// ListForms returns the account's forms, leaving out the excluded ids.
func (c *Client) ListForms(ctx context.Context, excluded map[string]struct{}) ([]Form, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(MaxSubmissionLimit))

	var raw []rawForm
	if _, err := c.get(ctx, "/user/forms", params, &raw); err != nil {
		return nil, err
	}

	forms := make([]Form, 0, len(raw))
	for _, f := range raw {
		id := f.ID.String()
		if _, skip := excluded[id]; skip {
			continue
		}
		forms = append(forms, Form{ID: id, Title: f.Title, Status: f.Status, Count: f.Count.Int()})
	}
	return forms, nil
}

// FetchQuestions returns the data-collecting fields of a form in form order.
func (c *Client) FetchQuestions(ctx context.Context, formID string) ([]Question, error) {
	var raw map[string]rawQuestion
	if _, err := c.get(ctx, "/form/"+url.PathEscape(formID)+"/questions", nil, &raw); err != nil {
		return nil, err
	}

	questions := make([]Question, 0, len(raw))
	for id, q := range raw {
		if decorativeTypes[q.Type] {
			continue
		}
		text := q.Text
		if text == "" {
			text = q.Name
		}
		if text == "" {
			text = "Field " + id
		}
		questions = append(questions, Question{
			ID:    id,
			Name:  q.Name,
			Text:  text,
			Type:  q.Type,
			Order: q.Order.Int(),
		})
	}
	sort.SliceStable(questions, func(i, j int) bool {
		if questions[i].Order != questions[j].Order {
			return questions[i].Order < questions[j].Order
		}
		return questions[i].ID < questions[j].ID
	})
	return questions, nil
}

// get performs a GET and decodes the envelope content into out.
func (c *Client) get(ctx context.Context, path string, params url.Values, out any) (*resultSet, error) {
	ctx, span := c.tracer.Start(ctx, "jotform_get",
		trace.WithAttributes(attribute.String("path", path)))
	defer span.End()

	env, err := circuitbreaker.Do(ctx, c.breaker, func(ctx context.Context) (*envelope, error) {
		return c.do(ctx, path, params)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if len(env.Content) > 0 && out != nil {
		if err := json.Unmarshal(env.Content, out); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("%w: decode %s content: %w", ErrProviderUnavailable, path, err)
		}
	}
	return env.ResultSet, nil
}

func (c *Client) do(ctx context.Context, path string, params url.Values) (*envelope, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request %s: %w", ErrProviderUnavailable, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{StatusCode: resp.StatusCode, Path: path}
	}

	env := &envelope{}
	if err := json.NewDecoder(resp.Body).Decode(env); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrProviderUnavailable, path, err)
	}
	if env.ResponseCode != 0 && (env.ResponseCode < 200 || env.ResponseCode > 299) {
		return nil, &StatusError{StatusCode: env.ResponseCode, Path: path}
	}
	return env, nil
}
