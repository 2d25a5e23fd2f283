package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/guseggert/diagstream/agent/stream"
	"github.com/guseggert/diagstream/tools"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Client talks to an Agent's HTTP endpoints, and opens streaming sessions against it.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	tlsClientConfig          *tls.Config
	customizeRetryableClient func(*retryablehttp.Client)

	waitInterval time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientTLSConfig(cfg *tls.Config) ClientOption {
	return func(c *Client) {
		c.tlsClientConfig = cfg
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the agent at baseURL, e.g. "http://localhost:8000".
func NewClient(log *zap.SugaredLogger, baseURL string, opts ...ClientOption) (*Client, error) {
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("unsupported agent URL %q, must be http or https", baseURL)
	}
	c := &Client{
		Logger:       log.Named("agent_client"),
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: c.tlsClientConfig,
		},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Add("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var body string
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			body = fmt.Errorf("error reading body: %w", err).Error()
		} else {
			body = string(b)
		}
		return fmt.Errorf("non-200 HTTP status code %d received from %s: %s", resp.StatusCode, path, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func (c *Client) SendHeartbeat(ctx context.Context) (HeartbeatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var resp HeartbeatResponse
	err := c.getJSON(ctx, "/heartbeat", &resp)
	return resp, err
}

// ClientIP returns the address the agent sees this client connecting from.
func (c *Client) ClientIP(ctx context.Context) (string, error) {
	var resp ClientIPResponse
	if err := c.getJSON(ctx, "/api/client-ip", &resp); err != nil {
		return "", err
	}
	return resp.ClientIP, nil
}

func (c *Client) Tools(ctx context.Context) ([]tools.Info, error) {
	var infos []tools.Info
	if err := c.getJSON(ctx, "/api/tools", &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.SendHeartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}

// Stream opens a WebSocket streaming connection to the agent.
func (c *Client) Stream(ctx context.Context) (*stream.Client, error) {
	u := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws"
	// the retrying client isn't used for the upgrade, a failed dial is reported right away
	return stream.Dial(ctx, u, stream.DialOptions{
		HTTPClient: &http.Client{Transport: &http.Transport{TLSClientConfig: c.tlsClientConfig}},
		Logger:     c.Logger.Named("stream_client"),
	})
}

// StartTool opens a stream and starts a tool on it. The caller owns the returned stream client
// and reads the tool's output from it.
func (c *Client) StartTool(ctx context.Context, req stream.Request) (*stream.Client, stream.Status, error) {
	sc, err := c.Stream(ctx)
	if err != nil {
		return nil, stream.Status{}, fmt.Errorf("opening stream: %w", err)
	}
	st, err := sc.StartTool(ctx, req)
	if err != nil {
		sc.Close()
		return nil, st, err
	}
	return sc, st, nil
}
