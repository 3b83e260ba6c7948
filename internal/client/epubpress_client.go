package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/epubpress/courier/internal/config"
	"github.com/epubpress/courier/internal/model"
	"go.uber.org/zap"
)

// Publisher defines the remote publishing operations the orchestrator uses
type Publisher interface {
	Publish(ctx context.Context, req *model.PublishRequest) (string, error)
	Status(ctx context.Context, jobID string) (*model.StatusSnapshot, error)
	Email(ctx context.Context, jobID, email string, fileType model.FileType) error
	DownloadURL(jobID string, fileType model.FileType) string
}

// ErrMalformedResponse wraps any 2xx answer that could not be decoded
var ErrMalformedResponse = errors.New("malformed response")

// APIError is returned for any non-2xx answer from the service
type APIError struct {
	StatusCode int
	Status     string // reason phrase, e.g. "Bad Gateway"
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("epubpress API error (status %d %s): %s", e.StatusCode, e.Status, e.Body)
}

// EpubPressClient implements Publisher over the EpubPress HTTP API
type EpubPressClient struct {
	httpClient *http.Client
	baseURL    string
	log        *zap.Logger
}

// NewEpubPressClient creates a new EpubPress API client
func NewEpubPressClient(cfg *config.EpubPressConfig, log *zap.Logger) *EpubPressClient {
	return &EpubPressClient{
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		log:        log.Named("epubpress"),
	}
}

// Publish submits a book and returns the remote job id
func (c *EpubPressClient) Publish(ctx context.Context, req *model.PublishRequest) (string, error) {
	var result model.PublishResponse
	if err := c.post(ctx, "/books", req, &result); err != nil {
		return "", err
	}
	id, err := jobIDFromRaw(result.ID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return id, nil
}

// Status fetches the current status snapshot of a job
func (c *EpubPressClient) Status(ctx context.Context, jobID string) (*model.StatusSnapshot, error) {
	var result model.StatusSnapshot
	if err := c.get(ctx, "/books/"+url.PathEscape(jobID)+"/status", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Email asks the service to mail the finished book. The response body is ignored.
func (c *EpubPressClient) Email(ctx context.Context, jobID, email string, fileType model.FileType) error {
	q := url.Values{}
	q.Set("email", strings.TrimSpace(email))
	q.Set("filetype", string(fileType))
	endpoint := "/books/" + url.PathEscape(jobID) + "/email?" + q.Encode()
	return c.get(ctx, endpoint, nil)
}

// DownloadURL is where the finished book can be fetched
func (c *EpubPressClient) DownloadURL(jobID string, fileType model.FileType) string {
	q := url.Values{}
	q.Set("filetype", string(fileType))
	return c.baseURL + "/books/" + url.PathEscape(jobID) + "/download?" + q.Encode()
}

// post sends a POST request with JSON body
func (c *EpubPressClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, result)
}

// get sends a GET request and parses JSON response
func (c *EpubPressClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// doRequest executes an HTTP request and parses the response. A nil result
// only checks the status code.
func (c *EpubPressClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Accept", "application/json")
	log := c.log.With(zap.String("method", req.Method), zap.String("url", req.URL.String()))
	log.Debug("request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Warn("request failed", zap.Error(err))
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Warn("failed to read response", zap.Error(err))
		return fmt.Errorf("failed to read response: %w", err)
	}

	log.Debug("response", zap.Int("status", resp.StatusCode), zap.Int("bytes", len(respBody)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Status:     statusText(resp),
			Body:       string(respBody),
		}
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		log.Warn("unmarshal error", zap.Error(err), zap.ByteString("body", respBody))
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

// statusText strips the numeric code from resp.Status
func statusText(resp *http.Response) string {
	code := strconv.Itoa(resp.StatusCode)
	if text := strings.TrimSpace(strings.TrimPrefix(resp.Status, code)); text != "" {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

// jobIDFromRaw accepts the id as a JSON string or number
func jobIDFromRaw(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", fmt.Errorf("publish response has no id")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s = strings.TrimSpace(s); s == "" {
			return "", fmt.Errorf("publish response has an empty id")
		}
		return s, nil
	}

	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return "", fmt.Errorf("publish response id is neither string nor number: %s", raw)
	}
	return n.String(), nil
}
