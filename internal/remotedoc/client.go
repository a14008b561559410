// Package remotedoc is the HTTP client for the remote document service:
// JSON over HTTP for merge-writes, reads, and collection queries, plus a
// websocket channel for server-pushed document changes.
package remotedoc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/campuswell/syncstore/internal/syncstore"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type ClientOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     *log.Logger
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *log.Logger
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		logger:     logger,
	}
}

var _ syncstore.RemoteService = (*Client)(nil)

func (c *Client) SetMerge(ctx context.Context, path syncstore.DocumentPath, doc map[string]any) error {
	if !path.Valid() {
		return syncstore.ErrInvalidInput
	}
	return c.doJSON(ctx, http.MethodPut, documentRoute(path), doc, nil)
}

func (c *Client) Get(ctx context.Context, path syncstore.DocumentPath) (map[string]any, error) {
	if !path.Valid() {
		return nil, syncstore.ErrInvalidInput
	}
	var out map[string]any
	err := c.doJSON(ctx, http.MethodGet, documentRoute(path), nil, &out)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return nil, syncstore.ErrNotFound
		}
		return nil, err
	}
	return out, nil
}

func (c *Client) QueryCollection(ctx context.Context, ownerID, collection string) ([]syncstore.RemoteDocument, error) {
	ownerID = strings.TrimSpace(ownerID)
	collection = strings.TrimSpace(collection)
	if ownerID == "" || collection == "" {
		return nil, syncstore.ErrInvalidInput
	}
	var out struct {
		Items []syncstore.RemoteDocument `json:"items"`
	}
	route := fmt.Sprintf("/v1/users/%s/%s", url.PathEscape(ownerID), url.PathEscape(collection))
	if err := c.doJSON(ctx, http.MethodGet, route, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// Subscribe opens a websocket to the document's watch endpoint and
// delivers every pushed state to onChange. The channel redials with
// backoff after abnormal closures until the cancel function is called.
func (c *Client) Subscribe(ctx context.Context, path syncstore.DocumentPath, onChange func(doc map[string]any)) (func(), error) {
	if !path.Valid() || onChange == nil {
		return nil, syncstore.ErrInvalidInput
	}
	subCtx, cancel := context.WithCancel(ctx)
	watchURL := c.baseURL + documentRoute(path) + "/watch"
	// The websocket dialer rejects clients with a Timeout set, since the
	// connection is long-lived. Keep the transport, drop the deadline.
	dialClient := c.httpClient
	if dialClient.Timeout > 0 {
		dialClient = &http.Client{Transport: c.httpClient.Transport}
	}
	go func() {
		attempt := 0
		for {
			if subCtx.Err() != nil {
				return
			}
			conn, _, err := websocket.Dial(subCtx, watchURL, &websocket.DialOptions{
				HTTPClient: dialClient,
				HTTPHeader: http.Header{"Authorization": []string{"Bearer " + c.token}},
			})
			if err != nil {
				attempt++
				c.logger.Printf("remotedoc: watch dial %s failed: %v", path, err)
				if waitErr := waitWithContext(subCtx, c.retryDelay(attempt, "")); waitErr != nil {
					return
				}
				continue
			}
			attempt = 0
			for {
				var doc map[string]any
				if err := wsjson.Read(subCtx, conn, &doc); err != nil {
					_ = conn.Close(websocket.StatusNormalClosure, "")
					if subCtx.Err() != nil {
						return
					}
					c.logger.Printf("remotedoc: watch channel for %s closed: %v", path, err)
					break
				}
				onChange(doc)
			}
		}
	}()
	return cancel, nil
}

func (c *Client) doJSON(ctx context.Context, method, route string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+route, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func documentRoute(path syncstore.DocumentPath) string {
	return fmt.Sprintf("/v1/users/%s/%s/%s",
		url.PathEscape(path.OwnerID),
		url.PathEscape(path.Collection),
		url.PathEscape(path.Key),
	)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}

func correlationID() string {
	return fmt.Sprintf("doc_%d", time.Now().UnixNano())
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
