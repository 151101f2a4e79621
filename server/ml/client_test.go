package ml

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/san-kum/motion-analysis/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeClip(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("fake video bytes"), 0o644))
	return path
}

func TestAnalyzeVideoUploadsMultipart(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/analyze-pose", r.URL.Path)
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "deadlift", r.FormValue("exercise_type"))

		file, header, err := r.FormFile("video")
		if !assert.NoError(t, err) {
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		assert.Equal(t, "fake video bytes", string(data))
		assert.Equal(t, "upload.mp4", header.Filename)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"data": {
			"exercise_type": "Deadlift",
			"feedback": [
				{"message": "Round back", "severity": "HIGH", "timestamp": 1500, "joint": "torso"},
				{"message": "Bar drift", "severity": "sideways"}
			],
			"score": 93,
			"critical_issues": 1,
			"suggestions": ["Brace your core"],
			"keypoints": [{"name": "nose", "x": 10, "y": 20, "confidence": 0.9}]
		}}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, ClientConfig{}, zap.NewNop())
	result, err := client.AnalyzeVideo(context.Background(), writeClip(t), "upload.mp4", models.ExerciseDeadlift)
	require.NoError(t, err)

	assert.Equal(t, models.ExerciseDeadlift, result.DetectedExerciseType)
	assert.Equal(t, models.SourceRemote, result.Source)
	require.Len(t, result.Feedback, 2)
	assert.Equal(t, models.FrameFeedback{
		Timestamp: 1500, Joint: "torso", Issue: models.IssueRemote,
		Severity: models.SeverityHigh, Correction: "Round back", Score: 5,
	}, result.Feedback[0])
	assert.Equal(t, models.SeverityLow, result.Feedback[1].Severity)
	assert.Equal(t, models.AnalysisSummary{
		OverallScore: 93, CriticalIssues: 1, Suggestions: []string{"Brace your core"}, FeedbackCount: 2,
	}, result.Summary)
	require.Len(t, result.Keypoints, len(models.Landmarks))
	assert.Equal(t, 0.9, result.Keypoints[0].Confidence)
}

func TestAnalyzeVideoSparseResponse(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, ClientConfig{}, zap.NewNop())
	result, err := client.AnalyzeVideo(context.Background(), writeClip(t), "", models.ExerciseSquat)
	require.NoError(t, err)
	assert.Equal(t, models.ExerciseSquat, result.DetectedExerciseType)
	assert.Empty(t, result.Feedback)
	assert.Equal(t, 0, result.Summary.OverallScore)
	assert.NotNil(t, result.Summary.Suggestions)
}

func TestAnalyzeVideoUnavailable(t *testing.T) {
	t.Parallel()

	t.Run("server error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model crashed", http.StatusInternalServerError)
		}))
		defer server.Close()

		client := NewClient(server.URL, ClientConfig{}, zap.NewNop())
		_, err := client.AnalyzeVideo(context.Background(), writeClip(t), "", "")
		assert.ErrorIs(t, err, models.ErrInferenceUnavailable)
	})

	t.Run("undecodable body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "<html>gateway</html>")
		}))
		defer server.Close()

		client := NewClient(server.URL, ClientConfig{}, zap.NewNop())
		_, err := client.AnalyzeVideo(context.Background(), writeClip(t), "", "")
		assert.ErrorIs(t, err, models.ErrInferenceUnavailable)
	})

	t.Run("connection refused", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		url := server.URL
		server.Close()

		client := NewClient(url, ClientConfig{}, zap.NewNop())
		_, err := client.AnalyzeVideo(context.Background(), writeClip(t), "", "")
		assert.ErrorIs(t, err, models.ErrInferenceUnavailable)
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-release
		}))
		defer server.Close()
		defer close(release)

		client := NewClient(server.URL, ClientConfig{Timeout: 50 * time.Millisecond}, zap.NewNop())
		_, err := client.AnalyzeVideo(context.Background(), writeClip(t), "", "")
		assert.ErrorIs(t, err, models.ErrInferenceUnavailable)
	})
}

func TestAnalyzeVideoCallerCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client := NewClient(server.URL, ClientConfig{}, zap.NewNop())
	_, err := client.AnalyzeVideo(ctx, writeClip(t), "", "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, models.ErrInferenceUnavailable)
}

func TestAnalyzeVideoRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		io.WriteString(w, `{"score": 100}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, ClientConfig{MaxRetries: 1, RetryDelay: time.Millisecond}, zap.NewNop())
	result, err := client.AnalyzeVideo(context.Background(), writeClip(t), "", "")
	require.NoError(t, err)
	assert.Equal(t, 100, result.Summary.OverallScore)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHealthAndModelInfo(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/models/info":
			io.WriteString(w, `{"pose": "movenet-lightning"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", ClientConfig{}, zap.NewNop())
	assert.False(t, client.Healthy())
	require.NoError(t, client.HealthCheck(context.Background()))
	assert.True(t, client.Healthy())

	info, err := client.GetModelInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "movenet-lightning", info["pose"])
}

func keypointNamed(t *testing.T, kps []models.Keypoint, name string) models.Keypoint {
	t.Helper()
	for _, kp := range kps {
		if kp.Name == name {
			return kp
		}
	}
	t.Fatalf("keypoint %q missing", name)
	return models.Keypoint{}
}

func TestConvertLenientPayloads(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		body      string
		wantScore int
	}{
		{name: "fractional score", body: `{"data": {"score": 81.5}}`, wantScore: 82},
		{name: "score above range", body: `{"score": 150}`, wantScore: 100},
		{name: "negative score", body: `{"score": -3.2}`, wantScore: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := decodeResponse([]byte(tt.body))
			require.NoError(t, err)
			result := convertMLResponse(resp, models.ExerciseSquat)
			assert.Equal(t, tt.wantScore, result.Summary.OverallScore)
		})
	}

	t.Run("keypoint field aliases", func(t *testing.T) {
		resp, err := decodeResponse([]byte(`{"keypoints": [
			{"name": "left_knee", "x": 1, "y": 2, "score": 0.95},
			{"part": "right_knee", "x": 3, "y": 4, "confidence": 0.8},
			{"name": "left_hip", "x": 5, "y": 6, "score": 0, "confidence": 0.6}
		]}`))
		require.NoError(t, err)
		result := convertMLResponse(resp, models.ExerciseSquat)

		assert.Equal(t, models.Keypoint{Name: models.LeftKnee, X: 1, Y: 2, Confidence: 0.95},
			keypointNamed(t, result.Keypoints, models.LeftKnee))
		assert.Equal(t, models.Keypoint{Name: models.RightKnee, X: 3, Y: 4, Confidence: 0.8},
			keypointNamed(t, result.Keypoints, models.RightKnee))
		assert.Equal(t, 0.6, keypointNamed(t, result.Keypoints, models.LeftHip).Confidence)
	})
}
