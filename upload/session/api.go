package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strconv"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/zaghamabbas786/worpress-uploader-plugin/upload/chunkuploader"
)

const (
	actionInitUpload     = "warzone_init_upload"
	actionFinalizeUpload = "warzone_finalize_upload"
)

type ajaxResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

type ajaxError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

type initUploadResponse struct {
	SessionID string `json:"session_id"`
	UploadURI string `json:"upload_uri"`
	Message   string `json:"message"`
}

type finalizeUploadResponse struct {
	Message string `json:"message"`
}

// APIError is a failure reported by the site's AJAX endpoint.
type APIError struct {
	Action     string
	StatusCode int
	Message    string
	Code       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Action, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Action, e.Message)
}

// APIClient talks to the hosting site's AJAX endpoint. It implements Initiator and Finalizer.
type APIClient struct {
	httpClient *retryablehttp.Client
	apiURL     string
	nonce      string
	logger     log.Logger
}

// NewAPIClient ...
func NewAPIClient(client *retryablehttp.Client, apiURL, nonce string, logger log.Logger) *APIClient {
	return &APIClient{
		httpClient: client,
		apiURL:     apiURL,
		nonce:      nonce,
		logger:     logger,
	}
}

// InitUpload opens a resumable session on the storage side.
func (c *APIClient) InitUpload(ctx context.Context, req InitRequest) (Session, error) {
	form := url.Values{}
	// metadata first so it cannot override the protocol fields
	for _, k := range sortedKeys(req.Metadata) {
		form.Set(k, req.Metadata[k])
	}
	form.Set("file_name", req.FileName)
	form.Set("file_size", strconv.FormatInt(req.FileSize, 10))
	form.Set("file_type", req.MIMEType)

	var response initUploadResponse
	if err := c.post(ctx, actionInitUpload, form, &response); err != nil {
		return Session{}, err
	}
	if response.SessionID == "" || response.UploadURI == "" {
		return Session{}, fmt.Errorf("%s: response is missing the session id or upload uri", actionInitUpload)
	}

	return Session{
		ID:      response.SessionID,
		Target:  chunkuploader.UploadTarget(response.UploadURI),
		Message: response.Message,
	}, nil
}

// FinalizeUpload marks the session complete and returns the site's completion message.
func (c *APIClient) FinalizeUpload(ctx context.Context, sessionID string) (string, error) {
	form := url.Values{}
	form.Set("session_id", sessionID)

	var response finalizeUploadResponse
	if err := c.post(ctx, actionFinalizeUpload, form, &response); err != nil {
		return "", err
	}
	return response.Message, nil
}

func (c *APIClient) post(ctx context.Context, action string, form url.Values, data interface{}) error {
	form.Set("action", action)
	if c.nonce != "" {
		form.Set("nonce", c.nonce)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, []byte(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	c.logger.Debugf("Calling %s", action)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			c.logger.Printf("close response body: %s", err)
		}
	}(resp.Body)

	dump, err := httputil.DumpResponse(resp, true)
	if err != nil {
		c.logger.Warnf("error while dumping response: %s", err)
	}
	c.logger.Debugf("%s response dump: %s", action, string(dump))

	if resp.StatusCode != http.StatusOK {
		return unwrapError(action, resp)
	}

	var envelope ajaxResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%s: decode response: %w", action, err)
	}

	if !envelope.Success {
		var failure ajaxError
		if len(envelope.Data) > 0 {
			if err := json.Unmarshal(envelope.Data, &failure); err != nil {
				c.logger.Debugf("%s: unexpected error payload: %s", action, err)
			}
		}
		if failure.Message == "" {
			failure.Message = "request was not successful"
		}
		return &APIError{Action: action, StatusCode: resp.StatusCode, Message: failure.Message, Code: failure.Code}
	}

	if err := json.Unmarshal(envelope.Data, data); err != nil {
		return fmt.Errorf("%s: decode response data: %w", action, err)
	}
	return nil
}

func unwrapError(action string, resp *http.Response) error {
	errorResp, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return err
	}
	return &APIError{Action: action, StatusCode: resp.StatusCode, Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, errorResp)}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
