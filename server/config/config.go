package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	ML       MLConfig       `json:"ml"`
	Pipeline PipelineConfig `json:"pipeline"`
	Models   ModelsConfig   `json:"models"`
	Jobs     JobsConfig     `json:"jobs"`
	Security SecurityConfig `json:"security"`
	Cache    CacheConfig    `json:"cache"`
	Database DatabaseConfig `json:"database"`
	Logging  LoggingConfig  `json:"logging"`

	// EnvFileLoaded reports whether a .env file was read.
	EnvFileLoaded bool `json:"-"`
}

type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	Environment  string        `json:"environment"`
}

type MLConfig struct {
	Enabled             bool          `json:"enabled"`
	BaseURL             string        `json:"base_url"`
	Timeout             time.Duration `json:"timeout"`
	MaxRetries          int           `json:"max_retries"`
	RetryDelay          time.Duration `json:"retry_delay"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
}

type PipelineConfig struct {
	FFmpegPath        string  `json:"ffmpeg_path"`
	FFprobePath       string  `json:"ffprobe_path"`
	SampleFPS         float64 `json:"sample_fps"`
	FrameWidth        int     `json:"frame_width"`
	FrameHeight       int     `json:"frame_height"`
	MaxFrames         int     `json:"max_frames"`
	MaxInFlightFrames int64   `json:"max_in_flight_frames"`
	DefaultExercise   string  `json:"default_exercise"`
	TempDir           string  `json:"temp_dir"`
}

type ModelsConfig struct {
	PoseModelPath       string  `json:"pose_model_path"`
	PoseInputSize       int     `json:"pose_input_size"`
	ClassifierModelPath string  `json:"classifier_model_path"`
	MinConfidence       float64 `json:"min_confidence"`
	RulesPath           string  `json:"rules_path"`
}

type JobsConfig struct {
	Workers           int           `json:"workers"`
	QueueSize         int           `json:"queue_size"`
	ProcessingTimeout time.Duration `json:"processing_timeout"`
	Retention         time.Duration `json:"retention"`
}

type SecurityConfig struct {
	AllowedOrigins []string      `json:"allowed_origins"`
	RateLimitRPS   float64       `json:"rate_limit_rps"`
	RateLimitBurst int           `json:"rate_limit_burst"`
	MaxUploadSize  int64         `json:"max_upload_size"`
	RequestTimeout time.Duration `json:"request_timeout"`
	EnableHTTPS    bool          `json:"enable_https"`
	CertFile       string        `json:"cert_file"`
	KeyFile        string        `json:"key_file"`
}

type CacheConfig struct {
	Enabled bool          `json:"enabled"`
	MaxSize int           `json:"max_size"`
	TTL     time.Duration `json:"ttl"`
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// LoadConfig reads settings from the environment after loading envFiles
// (".env" when none are given). Missing files are not an error.
func LoadConfig(envFiles ...string) *Config {
	loaded := godotenv.Load(envFiles...) == nil

	config := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 60*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 5*time.Minute),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			Environment:  getEnv("ENVIRONMENT", "development"),
		},
		ML: MLConfig{
			Enabled:             getEnvAsBool("ML_ENABLED", true),
			BaseURL:             getEnv("ML_SERVICE_URL", "http://localhost:5000"),
			Timeout:             getEnvAsDuration("ML_TIMEOUT", 60*time.Second),
			MaxRetries:          getEnvAsInt("ML_MAX_RETRIES", 0),
			RetryDelay:          getEnvAsDuration("ML_RETRY_DELAY", 1*time.Second),
			HealthCheckInterval: getEnvAsDuration("ML_HEALTH_CHECK_INTERVAL", 30*time.Second),
		},
		Pipeline: PipelineConfig{
			FFmpegPath:        getEnv("FFMPEG_PATH", "ffmpeg"),
			FFprobePath:       getEnv("FFPROBE_PATH", "ffprobe"),
			SampleFPS:         getEnvAsFloat("SAMPLE_FPS", 2),
			FrameWidth:        getEnvAsInt("FRAME_WIDTH", 640),
			FrameHeight:       getEnvAsInt("FRAME_HEIGHT", 480),
			MaxFrames:         getEnvAsInt("MAX_FRAMES", 240),
			MaxInFlightFrames: getEnvAsInt64("MAX_IN_FLIGHT_FRAMES", 4),
			DefaultExercise:   getEnvAllowEmpty("ANALYSIS_DEFAULT_EXERCISE", "squat"),
			TempDir:           getEnv("VIDEO_TEMP_DIR", os.TempDir()),
		},
		Models: ModelsConfig{
			PoseModelPath:       getEnv("POSE_MODEL_PATH", "models/pose.json"),
			PoseInputSize:       getEnvAsInt("POSE_INPUT_SIZE", 192),
			ClassifierModelPath: getEnv("CLASSIFIER_MODEL_PATH", "models/exercise_classifier.json"),
			MinConfidence:       getEnvAsFloat("CLASSIFIER_MIN_CONFIDENCE", 0.7),
			RulesPath:           getEnv("RULES_PATH", ""),
		},
		Jobs: JobsConfig{
			Workers:           getEnvAsInt("JOB_WORKERS", 2),
			QueueSize:         getEnvAsInt("JOB_QUEUE_SIZE", 100),
			ProcessingTimeout: getEnvAsDuration("JOB_TIMEOUT", 5*time.Minute),
			Retention:         getEnvAsDuration("JOB_RETENTION", time.Hour),
		},
		Security: SecurityConfig{
			AllowedOrigins: getEnvAsStringSlice("ALLOWED_ORIGINS", []string{"*"}),
			RateLimitRPS:   getEnvAsFloat("RATE_LIMIT_RPS", 5),
			RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 20),
			MaxUploadSize:  getEnvAsInt64("MAX_UPLOAD_SIZE", 50*1024*1024), // 50MB
			RequestTimeout: getEnvAsDuration("REQUEST_TIMEOUT", 3*time.Minute),
			EnableHTTPS:    getEnvAsBool("ENABLE_HTTPS", false),
			CertFile:       getEnv("CERT_FILE", ""),
			KeyFile:        getEnv("KEY_FILE", ""),
		},
		Cache: CacheConfig{
			Enabled: getEnvAsBool("CACHE_ENABLED", true),
			MaxSize: getEnvAsInt("CACHE_MAX_SIZE", 256),
			TTL:     getEnvAsDuration("CACHE_TTL", time.Hour),
		},
		Database: DatabaseConfig{
			Path: getEnv("DATABASE_PATH", "motion-analysis.db"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		EnvFileLoaded: loaded,
	}

	return config
}

func (c *Config) IsDev() bool {
	return c.Server.Environment == "development"
}

func (c *Config) ValidateConfig(logger *zap.Logger) error {
	var errors []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, "server port must be between 1 and 65535")
	}

	if c.ML.Enabled && c.ML.BaseURL == "" {
		errors = append(errors, "ML service URL is required when ML is enabled")
	}

	if !c.ML.Enabled {
		logger.Info("Remote inference disabled, analyses run on the local model only")
	}

	if c.Pipeline.SampleFPS <= 0 {
		errors = append(errors, "sample fps must be positive")
	}

	if c.Pipeline.FrameWidth <= 0 || c.Pipeline.FrameHeight <= 0 {
		errors = append(errors, "frame width and height must be positive")
	}

	if c.Pipeline.MaxInFlightFrames < 1 {
		errors = append(errors, "max in-flight frames must be at least 1")
	}

	if c.Pipeline.DefaultExercise == "" {
		logger.Warn("No default exercise set, unclassifiable videos will be rejected")
	}

	if c.Models.MinConfidence < 0 || c.Models.MinConfidence > 1 {
		errors = append(errors, "classifier min confidence must be between 0 and 1")
	}

	if c.Jobs.Workers < 1 {
		errors = append(errors, "job workers must be at least 1")
	}

	if c.Security.MaxUploadSize <= 0 {
		errors = append(errors, "max upload size must be positive")
	}

	if c.Security.EnableHTTPS && (c.Security.CertFile == "" || c.Security.KeyFile == "") {
		errors = append(errors, "cert and key files are required for HTTPS")
	}

	if c.Database.Path == "" {
		errors = append(errors, "database path is required")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, ", "))
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAllowEmpty treats a variable that is set but empty as a value.
func getEnvAllowEmpty(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
