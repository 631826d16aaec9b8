package chunkuploader

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/sethvargo/go-retry"
)

// StatusProber asks the server how many bytes of an upload it has durably received.
type StatusProber struct {
	httpClient *http.Client
	profile    DeviceProfile
	logger     log.Logger
}

// NewStatusProber creates a StatusProber. A nil httpClient selects DefaultHTTPClient.
func NewStatusProber(httpClient *http.Client, profile DeviceProfile, logger log.Logger) *StatusProber {
	if httpClient == nil {
		httpClient = DefaultHTTPClient()
	}
	return &StatusProber{
		httpClient: httpClient,
		profile:    profile,
		logger:     logger,
	}
}

// Probe sends zero-length status requests until one is answered with 308, 200 or 201, making at
// most ProbeAttempts requests with exponential backoff in between.
func (p *StatusProber) Probe(ctx context.Context, target UploadTarget, totalSize int64) (ProbeResult, error) {
	base := p.profile.ProbeBase
	if base <= 0 {
		base = 1
	}
	backoff := retry.WithMaxRetries(ProbeAttempts-1, retry.NewExponential(base))

	var result ProbeResult
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		p.logger.Debugf("Status check attempt %d/%d", attempt, ProbeAttempts)

		r, err := p.probeOnce(ctx, target, totalSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Debugf("Status check attempt %d failed: %s", attempt, err)
			return retry.RetryableError(err)
		}
		result = r
		return nil
	})
	if err != nil {
		return ProbeResult{}, fmt.Errorf("status check failed after %d attempts: %w", attempt, err)
	}

	p.logger.Debugf("Server confirms %d of %d bytes (complete=%t)", result.ConfirmedBytes, totalSize, result.Complete)
	return result, nil
}

func (p *StatusProber) probeOnce(ctx context.Context, target UploadTarget, totalSize int64) (ProbeResult, error) {
	if p.profile.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.profile.ProbeTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, string(target), http.NoBody)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("create request: %w", err)
	}
	req.ContentLength = 0
	req.Header.Set(headerContentRange, fmt.Sprintf("bytes */%d", totalSize))

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return ProbeResult{}, err
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			p.logger.Debugf("close response body: %s", err)
		}
	}(resp.Body)

	switch resp.StatusCode {
	case http.StatusPermanentRedirect:
		confirmed, ok := parseRangeHeader(resp.Header.Get(headerRange))
		if !ok {
			confirmed = 0
		}
		return ProbeResult{ConfirmedBytes: confirmed}, nil
	case http.StatusOK, http.StatusCreated:
		return ProbeResult{ConfirmedBytes: totalSize, Complete: true, FileID: decodeFileID(resp.Body)}, nil
	default:
		return ProbeResult{}, fmt.Errorf("unexpected status check response: HTTP %d", resp.StatusCode)
	}
}
