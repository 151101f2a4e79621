package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/san-kum/motion-analysis/server/models"
	"go.uber.org/zap"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	config     ClientConfig
	healthy    atomic.Bool
}

type ClientConfig struct {
	Timeout             time.Duration
	MetadataTimeout     time.Duration
	MaxRetries          int
	RetryDelay          time.Duration
	HealthCheckInterval time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:             60 * time.Second,
		MetadataTimeout:     10 * time.Second,
		MaxRetries:          0,
		RetryDelay:          1 * time.Second,
		HealthCheckInterval: 30 * time.Second,
	}
}

// AnalysisResponse is the body of POST /analyze-pose. The service may wrap it
// in {"data": ...}; every field is optional.
type AnalysisResponse struct {
	ExerciseType   string             `json:"exercise_type"`
	Feedback       []FeedbackItem     `json:"feedback"`
	Score          float64            `json:"score"`
	CriticalIssues int                `json:"critical_issues"`
	Suggestions    []string           `json:"suggestions"`
	Keypoints      []Keypoint         `json:"keypoints"`
	Angles         map[string]float64 `json:"angles,omitempty"`
}

// Keypoint accepts both naming schemes seen from pose services: name or
// part for the landmark, confidence or score for its certainty.
type Keypoint struct {
	Name       string  `json:"name"`
	Part       string  `json:"part"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

func (k Keypoint) model() models.Keypoint {
	name := k.Name
	if name == "" {
		name = k.Part
	}
	confidence := k.Score
	if confidence == 0 {
		confidence = k.Confidence
	}
	return models.Keypoint{Name: name, X: k.X, Y: k.Y, Confidence: confidence}
}

type FeedbackItem struct {
	Message   string  `json:"message"`
	Severity  string  `json:"severity"`
	Timestamp float64 `json:"timestamp"`
	Joint     string  `json:"joint"`
}

func NewClient(baseURL string, config ClientConfig, logger *zap.Logger) *Client {
	def := DefaultClientConfig()
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.MetadataTimeout <= 0 {
		config.MetadataTimeout = def.MetadataTimeout
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = def.RetryDelay
	}
	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = def.HealthCheckInterval
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
		config:  config,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:       10,
				IdleConnTimeout:    30 * time.Second,
				DisableCompression: true,
			},
		},
	}
}

// AnalyzeVideo uploads the file at path and converts the service's answer.
// Failures of the service itself are reported as models.ErrInferenceUnavailable;
// cancellation of ctx is returned as is.
func (c *Client) AnalyzeVideo(ctx context.Context, path, filename string, hint models.ExerciseType) (*models.AnalysisResult, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to read video: %w", err)
	}
	if filename == "" {
		filename = filepath.Base(path)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Retrying ML analysis request",
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
		}

		result, err := c.executeAnalysisRequest(ctx, path, filename, hint)
		if err == nil {
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w: %d attempts: %w", models.ErrInferenceUnavailable, c.config.MaxRetries+1, lastErr)
}

func (c *Client) executeAnalysisRequest(ctx context.Context, path, filename string, hint models.ExerciseType) (*models.AnalysisResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open video: %w", err)
	}
	defer file.Close()

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	body, contentType := multipartBody(file, filename, hint)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze-pose", body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	request.Header.Set("Content-Type", contentType)
	request.Header.Set("User-Agent", "motion-analysis/1.0")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return nil, fmt.Errorf("ML service error (status %d): %s",
			response.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	mlResponse, err := decodeResponse(raw)
	if err != nil {
		return nil, err
	}
	return convertMLResponse(mlResponse, hint), nil
}

// multipartBody streams the video as the "video" field so large uploads are
// never held in memory twice.
func multipartBody(file io.Reader, filename string, hint models.ExerciseType) (io.Reader, string) {
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	go func() {
		err := func() error {
			if hint != "" {
				if err := writer.WriteField("exercise_type", string(hint)); err != nil {
					return err
				}
			}
			part, err := writer.CreateFormFile("video", filename)
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, file); err != nil {
				return err
			}
			return writer.Close()
		}()
		pw.CloseWithError(err)
	}()

	return pr, writer.FormDataContentType()
}

func decodeResponse(raw []byte) (*AnalysisResponse, error) {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	payload := raw
	if trimmed := bytes.TrimSpace(envelope.Data); len(trimmed) > 0 && trimmed[0] == '{' {
		payload = trimmed
	}

	var mlResponse AnalysisResponse
	if err := json.Unmarshal(payload, &mlResponse); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &mlResponse, nil
}

func convertMLResponse(mlResp *AnalysisResponse, hint models.ExerciseType) *models.AnalysisResult {
	exercise := models.NormalizeExercise(mlResp.ExerciseType)
	if exercise == models.ExerciseUnknown && hint != "" {
		exercise = hint
	}

	feedback := make([]models.FrameFeedback, 0, len(mlResp.Feedback))
	for _, item := range mlResp.Feedback {
		severity := models.ParseSeverity(item.Severity)
		feedback = append(feedback, models.FrameFeedback{
			Timestamp:  int64(item.Timestamp),
			Joint:      item.Joint,
			Issue:      models.IssueRemote,
			Severity:   severity,
			Correction: item.Message,
			Score:      severity.Penalty(),
		})
	}

	suggestions := mlResp.Suggestions
	if suggestions == nil {
		suggestions = []string{}
	}

	keypoints := make([]models.Keypoint, 0, len(mlResp.Keypoints))
	for _, kp := range mlResp.Keypoints {
		keypoints = append(keypoints, kp.model())
	}

	return &models.AnalysisResult{
		DetectedExerciseType: exercise,
		Feedback:             feedback,
		Summary: models.AnalysisSummary{
			OverallScore:   overallScore(mlResp.Score),
			CriticalIssues: mlResp.CriticalIssues,
			Suggestions:    suggestions,
			FeedbackCount:  len(feedback),
		},
		Keypoints: models.PoseFromKeypoints(keypoints).Keypoints(),
		Source:    models.SourceRemote,
	}
}

// overallScore rounds the service's score into [0, 100].
func overallScore(score float64) int {
	if math.IsNaN(score) {
		return 0
	}
	return int(math.Round(min(100, max(0, score))))
}

func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.MetadataTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		c.healthy.Store(false)
		return fmt.Errorf("health check failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		c.healthy.Store(false)
		return fmt.Errorf("ML service unhealthy (status %d)", response.StatusCode)
	}

	c.healthy.Store(true)
	return nil
}

// Healthy reports the result of the last health check.
func (c *Client) Healthy() bool {
	return c.healthy.Load()
}

// StartHealthChecker polls the service until ctx is done.
func (c *Client) StartHealthChecker(ctx context.Context) {
	if err := c.HealthCheck(ctx); err != nil {
		c.logger.Warn("ML service not available at startup", zap.Error(err))
	}

	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.HealthCheck(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				c.logger.Error("ML service health check failed", zap.Error(err))
			} else {
				c.logger.Debug("ML service health check passed")
			}
		}
	}
}

func (c *Client) GetModelInfo(ctx context.Context) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.MetadataTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models/info", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create model info request: %w", err)
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("failed to get model info: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model info request failed (status %d)", response.StatusCode)
	}

	var modelInfo map[string]interface{}
	if err := json.NewDecoder(response.Body).Decode(&modelInfo); err != nil {
		return nil, fmt.Errorf("failed to decode model info: %w", err)
	}

	return modelInfo, nil
}
