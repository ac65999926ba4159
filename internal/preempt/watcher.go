// Package preempt watches the EC2 instance metadata service for a spot
// interruption notice so the worker can drain before the instance is
// reclaimed.
package preempt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	defaultIMDSBase = "http://169.254.169.254"
	tokenPath       = "/latest/api/token"
	actionPath      = "/latest/meta-data/spot/instance-action"
	tokenTTLSeconds = "21600"
	pollInterval    = 5 * time.Second
)

// Notice is a decoded spot interruption notice.
type Notice struct {
	Action string    `json:"action"`
	Time   time.Time `json:"time"`
}

// HTTPDoer abstracts the HTTP client for dependency inversion.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Watcher polls the instance metadata service for interruption notices.
type Watcher struct {
	client   HTTPDoer
	baseURL  string
	interval time.Duration
	logger   *slog.Logger
}

// NewWatcher creates a Watcher against the standard IMDS endpoint.
func NewWatcher(client HTTPDoer, logger *slog.Logger) *Watcher {
	return &Watcher{
		client:   client,
		baseURL:  defaultIMDSBase,
		interval: pollInterval,
		logger:   logger,
	}
}

// Watch returns a channel that fires at most once with the interruption
// notice. When IMDS is unreachable at startup the watcher disables itself
// and the channel never fires, so runs outside EC2 work unchanged.
func (w *Watcher) Watch(ctx context.Context) <-chan Notice {
	out := make(chan Notice, 1)

	if _, err := w.fetchToken(ctx); err != nil {
		w.logger.InfoContext(ctx, "Instance metadata unreachable, spot watcher disabled",
			slog.String("error", err.Error()),
		)
		return out
	}

	go w.poll(ctx, out)
	return out
}

func (w *Watcher) poll(ctx context.Context, out chan<- Notice) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			notice, ok, err := w.checkOnce(ctx)
			if err != nil {
				w.logger.WarnContext(ctx, "Spot notice check failed",
					slog.String("error", err.Error()),
				)
				continue
			}
			if ok {
				w.logger.WarnContext(ctx, "Spot interruption notice received",
					slog.String("action", notice.Action),
					slog.Time("time", notice.Time),
				)
				out <- notice
				return
			}
		}
	}
}

// checkOnce queries the instance-action document. A 404 means no notice is
// pending.
func (w *Watcher) checkOnce(ctx context.Context) (Notice, bool, error) {
	token, err := w.fetchToken(ctx)
	if err != nil {
		return Notice{}, false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+actionPath, nil)
	if err != nil {
		return Notice{}, false, err
	}
	req.Header.Set("X-aws-ec2-metadata-token", token)

	resp, err := w.client.Do(req)
	if err != nil {
		return Notice{}, false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return Notice{}, false, nil
	case http.StatusOK:
		var notice Notice
		if err := json.NewDecoder(resp.Body).Decode(&notice); err != nil {
			return Notice{}, false, fmt.Errorf("decode instance-action: %w", err)
		}
		return notice, true, nil
	default:
		return Notice{}, false, fmt.Errorf("instance-action status %d", resp.StatusCode)
	}
}

// fetchToken obtains an IMDSv2 session token.
func (w *Watcher) fetchToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, w.baseURL+tokenPath, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-aws-ec2-metadata-token-ttl-seconds", tokenTTLSeconds)

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch token: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	return strings.TrimSpace(string(body)), nil
}
