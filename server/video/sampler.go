// Package video turns uploaded clips into a bounded sequence of RGBA frames
// at the analysis resolution, using ffprobe and ffmpeg.
package video

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/san-kum/motion-analysis/server/models"
	"go.uber.org/zap"
)

var supportedExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".avi":  true,
	".webm": true,
	".mkv":  true,
}

// SupportedFormat reports whether filename has an accepted video extension.
func SupportedFormat(filename string) bool {
	return supportedExtensions[strings.ToLower(filepath.Ext(filename))]
}

// Video is an uploaded clip, either already on disk (Path) or in memory
// (Data). Filename is only used to pick the temp file extension.
type Video struct {
	Path     string
	Data     []byte
	Filename string
}

type Config struct {
	FFmpegPath  string
	FFprobePath string
	FPS         float64
	Width       int
	Height      int
	MaxFrames   int
	TempDir     string
}

func DefaultConfig() Config {
	return Config{
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
		FPS:         2,
		Width:       640,
		Height:      480,
		MaxFrames:   240,
		TempDir:     os.TempDir(),
	}
}

// Info is what ffprobe reported about the first video stream.
type Info struct {
	Codec    string        `json:"codec"`
	Width    int           `json:"width"`
	Height   int           `json:"height"`
	Packets  int           `json:"packets"`
	Duration time.Duration `json:"duration"`
}

// Opener prepares a video for frame extraction.
type Opener interface {
	Open(ctx context.Context, v Video) (Source, error)
}

// Source is an opened, probed video. Close releases anything Open staged.
type Source interface {
	Info() Info
	Path() string
	Frames(ctx context.Context) (Stream, error)
	Close() error
}

// Stream yields frames in order. Next returns io.EOF after the last frame.
type Stream interface {
	Next(ctx context.Context) (*Frame, error)
	Close() error
}

type Sampler struct {
	cfg    Config
	logger *zap.Logger
	frames sync.Pool
}

func NewSampler(cfg Config, logger *zap.Logger) *Sampler {
	def := DefaultConfig()
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = def.FFmpegPath
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = def.FFprobePath
	}
	if cfg.FPS <= 0 {
		cfg.FPS = def.FPS
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = def.Width, def.Height
	}
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = def.MaxFrames
	}
	if cfg.TempDir == "" {
		cfg.TempDir = def.TempDir
	}

	s := &Sampler{cfg: cfg, logger: logger}
	s.frames.New = func() any {
		return image.NewRGBA(image.Rect(0, 0, cfg.Width, cfg.Height))
	}
	return s
}

func (s *Sampler) Config() Config {
	return s.cfg
}

// Open stages in-memory data to a temp file and probes it. Anything that
// cannot be decoded fails here with models.ErrDecode, before any frame is
// extracted.
func (s *Sampler) Open(ctx context.Context, v Video) (Source, error) {
	src := &fileSource{sampler: s, path: v.Path}

	switch {
	case len(v.Data) > 0:
		path, err := s.stage(v)
		if err != nil {
			return nil, err
		}
		src.path, src.temp = path, true
	case v.Path == "":
		return nil, fmt.Errorf("%w: empty video", models.ErrDecode)
	default:
		st, err := os.Stat(v.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", models.ErrDecode, err)
		}
		if st.Size() == 0 {
			return nil, fmt.Errorf("%w: empty video file", models.ErrDecode)
		}
	}

	info, err := s.probe(ctx, src.path)
	if err != nil {
		src.Close()
		return nil, err
	}
	src.info = info

	s.logger.Debug("Video opened",
		zap.String("path", src.path),
		zap.String("codec", info.Codec),
		zap.Int("packets", info.Packets),
		zap.Duration("duration", info.Duration))
	return src, nil
}

func (s *Sampler) stage(v Video) (string, error) {
	ext := strings.ToLower(filepath.Ext(v.Filename))
	if ext == "" {
		ext = ".mp4"
	}
	f, err := os.CreateTemp(s.cfg.TempDir, "motion-*"+ext)
	if err != nil {
		return "", fmt.Errorf("failed to stage video: %w", err)
	}
	if _, err := f.Write(v.Data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to stage video: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to stage video: %w", err)
	}
	return f.Name(), nil
}

type probeOutput struct {
	Streams []struct {
		CodecName     string `json:"codec_name"`
		Width         int    `json:"width"`
		Height        int    `json:"height"`
		NbReadPackets string `json:"nb_read_packets"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func (s *Sampler) probe(ctx context.Context, path string) (Info, error) {
	cmd := exec.CommandContext(ctx, s.cfg.FFprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-count_packets",
		"-show_entries", "stream=codec_name,width,height,nb_read_packets:format=duration",
		"-of", "json",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Info{}, ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Info{}, fmt.Errorf("%w: ffprobe: %s", models.ErrDecode, strings.TrimSpace(stderr.String()))
		}
		return Info{}, fmt.Errorf("failed to run ffprobe: %w", err)
	}
	return parseProbe(out)
}

func parseProbe(out []byte) (Info, error) {
	var po probeOutput
	if err := json.Unmarshal(out, &po); err != nil {
		return Info{}, fmt.Errorf("%w: unreadable probe output: %w", models.ErrDecode, err)
	}
	if len(po.Streams) == 0 {
		return Info{}, fmt.Errorf("%w: no video stream", models.ErrDecode)
	}

	st := po.Streams[0]
	packets, _ := strconv.Atoi(st.NbReadPackets)
	if packets <= 0 {
		return Info{}, fmt.Errorf("%w: video has no frames", models.ErrDecode)
	}

	info := Info{Codec: st.CodecName, Width: st.Width, Height: st.Height, Packets: packets}
	if secs, err := strconv.ParseFloat(po.Format.Duration, 64); err == nil {
		info.Duration = time.Duration(secs * float64(time.Second))
	}
	return info, nil
}

type fileSource struct {
	sampler *Sampler
	path    string
	temp    bool
	info    Info
	once    sync.Once
}

func (f *fileSource) Info() Info { return f.info }

func (f *fileSource) Path() string { return f.path }

// Frames starts ffmpeg decoding the file at the configured rate and
// resolution.
func (f *fileSource) Frames(ctx context.Context) (Stream, error) {
	cfg := f.sampler.cfg
	cmd := exec.CommandContext(ctx, cfg.FFmpegPath,
		"-v", "error",
		"-i", f.path,
		"-vf", fmt.Sprintf("fps=%s,scale=%d:%d", strconv.FormatFloat(cfg.FPS, 'f', -1, 64), cfg.Width, cfg.Height),
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	fs := &FrameStream{
		reader: stdout,
		pool:   &f.sampler.frames,
		fps:    cfg.FPS,
		max:    cfg.MaxFrames,
		width:  cfg.Width,
		height: cfg.Height,
		logger: f.sampler.logger,
	}
	cmd.Stderr = &fs.stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	fs.cmd = cmd
	return fs, nil
}

// Close removes the staged temp file, if any.
func (f *fileSource) Close() error {
	var err error
	f.once.Do(func() {
		if f.temp {
			if rmErr := os.Remove(f.path); rmErr != nil && !os.IsNotExist(rmErr) {
				err = rmErr
			}
		}
	})
	return err
}
