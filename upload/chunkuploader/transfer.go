package chunkuploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"golang.org/x/time/rate"
)

const (
	headerContentRange = "Content-Range"
	headerRange        = "Range"

	maxErrorBodyBytes = 4096
	bodyCloseWait     = 10 * time.Second
)

// Transferrer is the chunk transfer primitive: one bounded byte-range PUT per call.
type Transferrer struct {
	httpClient *http.Client
	profile    DeviceProfile
	logger     log.Logger
}

// NewTransferrer creates a Transferrer. A nil httpClient selects DefaultHTTPClient.
func NewTransferrer(httpClient *http.Client, profile DeviceProfile, logger log.Logger) *Transferrer {
	if httpClient == nil {
		httpClient = DefaultHTTPClient()
	}
	return &Transferrer{
		httpClient: httpClient,
		profile:    profile,
		logger:     logger,
	}
}

// Transfer uploads data as window w of target and classifies the response. It never returns an
// error: timeouts and transport failures are Ambiguous, HTTP failures are Rejected.
// onProgress receives the number of bytes of data sent so far; it may be called from another
// goroutine and is throttled to the profile's progress interval.
func (t *Transferrer) Transfer(ctx context.Context, target UploadTarget, w TransferWindow, data []byte, onProgress func(sent int64)) ChunkOutcome {
	w, data = clampWindow(w, data)
	if len(data) == 0 {
		return ChunkOutcome{Kind: OutcomeRejected, Reason: ReasonUnexpectedStatus, Message: fmt.Sprintf("empty chunk for window %s", w)}
	}

	if t.profile.ChunkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.profile.ChunkTimeout)
		defer cancel()
	}

	body := newProgressBody(data, onProgress, t.profile.ProgressInterval)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, string(target), body)
	if err != nil {
		return ChunkOutcome{Kind: OutcomeRejected, Reason: ReasonUnexpectedStatus, Message: "create request", Err: err}
	}
	req.ContentLength = int64(len(data))
	req.Header.Set(headerContentRange, w.ContentRange())
	req.Header.Set("Content-Type", "application/octet-stream")

	dump, err := httputil.DumpRequest(req, false)
	if err != nil {
		t.logger.Warnf("error while dumping request: %s", err)
	}
	t.logger.Debugf("Chunk request dump: %s", string(dump))

	resp, err := t.httpClient.Do(req)
	if err != nil {
		outcome := Ambiguous(err)
		outcome.bodyInFlight = !body.wait(bodyCloseWait)
		return outcome
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			t.logger.Debugf("close response body: %s", err)
		}
	}(resp.Body)
	// the request body may still be read after Do returns
	bodyInFlight := !body.wait(bodyCloseWait)
	if bodyInFlight {
		t.logger.Warnf("Request body of window %s is still in use", w)
	}

	dump, err = httputil.DumpResponse(resp, false)
	if err != nil {
		t.logger.Warnf("error while dumping response: %s", err)
	}
	t.logger.Debugf("Chunk response dump: %s", string(dump))

	outcome := classifyChunkResponse(resp, w)
	outcome.bodyInFlight = bodyInFlight
	return outcome
}

// clampWindow derives the declared range from the bytes actually sent and pins a range reaching
// EOF to Total-1, because the server rejects a final range overshooting the declared total.
func clampWindow(w TransferWindow, data []byte) (TransferWindow, []byte) {
	end := w.Start + int64(len(data)) - 1
	if end >= w.Total-1 {
		end = w.Total - 1
		if n := end - w.Start + 1; n >= 0 && n < int64(len(data)) {
			data = data[:n]
		}
	}
	w.End = end
	return w, data
}

func classifyChunkResponse(resp *http.Response, w TransferWindow) ChunkOutcome {
	switch resp.StatusCode {
	case http.StatusPermanentRedirect:
		confirmed, ok := parseRangeHeader(resp.Header.Get(headerRange))
		if !ok {
			confirmed = w.End + 1
		}
		outcome := Confirmed(confirmed, false)
		outcome.StatusCode = resp.StatusCode
		return outcome
	case http.StatusOK, http.StatusCreated:
		outcome := Confirmed(w.Total, true)
		outcome.StatusCode = resp.StatusCode
		outcome.FileID = decodeFileID(resp.Body)
		return outcome
	}

	var outcome ChunkOutcome
	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		outcome = Rejected(ReasonExpired, false)
	case http.StatusUnauthorized:
		outcome = Rejected(ReasonAuthFailed, false)
	case http.StatusForbidden:
		outcome = Rejected(ReasonPermissionDenied, false)
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable,
		http.StatusGatewayTimeout, http.StatusRequestTimeout:
		outcome = Rejected(ReasonServerError, true)
	default:
		if resp.StatusCode >= 500 {
			outcome = Rejected(ReasonServerError, true)
		} else {
			outcome = Rejected(ReasonUnexpectedStatus, false)
		}
	}
	outcome.StatusCode = resp.StatusCode
	outcome.Message = errorMessage(resp)
	return outcome
}

// parseRangeHeader reads the upper bound of a "bytes=0-N" header and returns N+1.
func parseRangeHeader(value string) (int64, bool) {
	value = strings.TrimSpace(value)
	if len(value) < len("bytes=") || !strings.EqualFold(value[:len("bytes=")], "bytes=") {
		return 0, false
	}
	fromTo := strings.Split(value[len("bytes="):], "-")
	if len(fromTo) != 2 || fromTo[0] != "0" {
		return 0, false
	}
	to, err := strconv.ParseInt(strings.TrimSpace(fromTo[1]), 10, 64)
	if err != nil || to < 0 {
		return 0, false
	}
	return to + 1, true
}

type fileResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func decodeFileID(body io.Reader) string {
	var response fileResponse
	if err := json.NewDecoder(io.LimitReader(body, maxErrorBodyBytes)).Decode(&response); err != nil {
		return ""
	}
	return response.ID
}

func errorMessage(resp *http.Response) string {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err == nil {
		var response errorResponse
		if err := json.Unmarshal(raw, &response); err == nil && response.Error.Message != "" {
			return response.Error.Message
		}
	}
	return fmt.Sprintf("Upload failed (HTTP %d)", resp.StatusCode)
}

// progressBody is the request body of a chunk. It reports throttled progress and signals when
// the transport is done with the underlying bytes.
type progressBody struct {
	reader   *bytes.Reader
	size     int64
	report   func(int64)
	throttle *rate.Sometimes

	closeOnce sync.Once
	closed    chan struct{}
}

func newProgressBody(data []byte, report func(int64), interval time.Duration) *progressBody {
	return &progressBody{
		reader:   bytes.NewReader(data),
		size:     int64(len(data)),
		report:   report,
		throttle: &rate.Sometimes{Interval: interval},
		closed:   make(chan struct{}),
	}
}

func (b *progressBody) Read(p []byte) (int, error) {
	n, err := b.reader.Read(p)
	if n > 0 && b.report != nil {
		sent := b.size - int64(b.reader.Len())
		b.throttle.Do(func() { b.report(sent) })
	}
	return n, err
}

func (b *progressBody) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}

// wait blocks until the transport closed the body or the timeout elapsed.
func (b *progressBody) wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-b.closed:
		return true
	case <-timer.C:
		return false
	}
}
