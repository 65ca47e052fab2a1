// Package videoapi talks to the external video generation provider: task
// creation, status lookup, and the polling loop that waits for a terminal
// state.
package videoapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	generatePath   = "/api/v1/modify/generate"
	recordInfoPath = "/api/v1/modify/record-info"

	providerOKCode = 200

	responseBodyLimit = 512
)

// Task progress values reported by the provider in successFlag.
const (
	FlagGenerating     = 0
	FlagSuccess        = 1
	FlagCreateFailed   = 2
	FlagGenerateFailed = 3
	FlagCallbackFailed = 4
)

// ErrMissingTaskID is returned when the provider acknowledges a task without
// an id.
var ErrMissingTaskID = errors.New("videoapi: empty task id in response")

// APIError carries a provider failure with its upstream message for
// diagnosis.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (apiError *APIError) Error() string {
	return fmt.Sprintf("videoapi: provider error: status=%d code=%d msg=%s", apiError.StatusCode, apiError.Code, apiError.Message)
}

// ModifyRequest describes a video modification task.
type ModifyRequest struct {
	Prompt      string
	VideoURL    string
	CallbackURL string
	Watermark   string
}

// TaskResult holds the provider's terminal output.
type TaskResult struct {
	ResultURLs []string `json:"resultUrls"`
}

// TaskStatus is one provider status snapshot.
type TaskStatus struct {
	TaskID       string      `json:"taskId"`
	SuccessFlag  int         `json:"successFlag"`
	Response     *TaskResult `json:"response"`
	ErrorMessage string      `json:"errorMessage"`
}

// Config parameterizes a Client.
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	UseMock bool
}

// Client is a thin JSON client for the provider's task API. With UseMock set
// it never leaves the process and reports immediate success, which keeps
// local development independent of provider quota.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	useMock    bool
	nowFn      func() int64
}

// NewClient wires a Client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		useMock:    cfg.UseMock,
		nowFn:      func() int64 { return time.Now().UTC().Unix() },
	}
}

// CreateModifyTask submits a modification task and returns the provider task
// id.
func (client *Client) CreateModifyTask(ctx context.Context, request ModifyRequest) (string, error) {
	if client.useMock {
		return fmt.Sprintf("mock-task-%d", client.nowFn()), nil
	}

	payload := map[string]any{
		"prompt":   request.Prompt,
		"videoUrl": request.VideoURL,
	}
	if request.CallbackURL != "" {
		payload["callBackUrl"] = request.CallbackURL
	}
	if request.Watermark != "" {
		payload["watermark"] = request.Watermark
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+generatePath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	httpRequest.Header.Set("Authorization", "Bearer "+client.apiKey)
	httpRequest.Header.Set("Content-Type", "application/json")

	var createResponse struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			TaskID string `json:"taskId"`
		} `json:"data"`
	}
	if err := client.do(httpRequest, &createResponse, func() int { return createResponse.Code }, func() string { return createResponse.Msg }); err != nil {
		return "", err
	}
	if createResponse.Data.TaskID == "" {
		return "", ErrMissingTaskID
	}
	client.logger.Info("generation task created", zap.String("task_id", createResponse.Data.TaskID))
	return createResponse.Data.TaskID, nil
}

// TaskStatus fetches the current status of a previously created task.
func (client *Client) TaskStatus(ctx context.Context, taskID string) (TaskStatus, error) {
	if client.useMock {
		return TaskStatus{
			TaskID:      taskID,
			SuccessFlag: FlagSuccess,
			Response:    &TaskResult{ResultURLs: []string{"/videos/mock.mp4"}},
		}, nil
	}

	query := url.Values{}
	query.Set("taskId", taskID)
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, client.baseURL+recordInfoPath+"?"+query.Encode(), nil)
	if err != nil {
		return TaskStatus{}, fmt.Errorf("new request: %w", err)
	}
	httpRequest.Header.Set("Authorization", "Bearer "+client.apiKey)

	var statusResponse struct {
		Code int        `json:"code"`
		Msg  string     `json:"msg"`
		Data TaskStatus `json:"data"`
	}
	if err := client.do(httpRequest, &statusResponse, func() int { return statusResponse.Code }, func() string { return statusResponse.Msg }); err != nil {
		return TaskStatus{}, err
	}
	return statusResponse.Data, nil
}

func (client *Client) do(request *http.Request, out any, code func() int, message func() string) error {
	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("provider request: %w", err)
	}
	defer response.Body.Close()

	rawBody, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if response.StatusCode >= 300 {
		client.logger.Error("provider request failed",
			zap.Int("status", response.StatusCode),
			zap.String("url", request.URL.String()),
			zap.String("body", truncateBody(rawBody)),
		)
		return &APIError{StatusCode: response.StatusCode, Message: truncateBody(rawBody)}
	}
	if err := json.Unmarshal(rawBody, out); err != nil {
		return fmt.Errorf("decode response: %w (body=%s)", err, truncateBody(rawBody))
	}
	if code() != providerOKCode {
		return &APIError{StatusCode: response.StatusCode, Code: code(), Message: message()}
	}
	return nil
}

func truncateBody(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if len(trimmed) <= responseBodyLimit {
		return trimmed
	}
	return trimmed[:responseBodyLimit] + "..."
}
