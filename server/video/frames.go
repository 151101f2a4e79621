package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/san-kum/motion-analysis/server/models"
	"go.uber.org/zap"
)

// Frame is one decoded frame. Image belongs to a pool: call Release once it
// is no longer needed and do not touch Image afterwards.
type Frame struct {
	Image     *image.RGBA
	Index     int
	Timestamp time.Duration

	pool *sync.Pool
}

func (f *Frame) Release() {
	if f == nil || f.pool == nil || f.Image == nil {
		return
	}
	f.pool.Put(f.Image)
	f.Image = nil
}

// FrameStream reads raw RGBA frames from ffmpeg's stdout.
type FrameStream struct {
	reader io.Reader
	cmd    *exec.Cmd
	stderr bytes.Buffer
	pool   *sync.Pool
	logger *zap.Logger

	fps    float64
	max    int
	width  int
	height int

	index  int
	done   bool
	waited bool
}

// Next returns the next frame, io.EOF when the stream is exhausted or the
// frame limit is reached, or models.ErrDecode if nothing was decoded at all.
func (fs *FrameStream) Next(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fs.done {
		return nil, io.EOF
	}
	if fs.max > 0 && fs.index >= fs.max {
		fs.done = true
		return nil, io.EOF
	}

	img := fs.pool.Get().(*image.RGBA)
	if len(img.Pix) != fs.width*fs.height*4 {
		img = image.NewRGBA(image.Rect(0, 0, fs.width, fs.height))
	}

	if _, err := io.ReadFull(fs.reader, img.Pix); err != nil {
		fs.pool.Put(img)
		fs.done = true
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("failed to read frame: %w", err)
		}
		return nil, fs.finish(ctx)
	}

	f := &Frame{
		Image:     img,
		Index:     fs.index,
		Timestamp: time.Duration(float64(fs.index) / fs.fps * float64(time.Second)),
		pool:      fs.pool,
	}
	fs.index++
	return f, nil
}

// finish reaps ffmpeg at end of stream and decides whether the stream was
// usable.
func (fs *FrameStream) finish(ctx context.Context) error {
	waitErr := fs.wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	if fs.index == 0 {
		msg := strings.TrimSpace(fs.stderr.String())
		if msg == "" && waitErr != nil {
			msg = waitErr.Error()
		}
		if msg == "" {
			msg = "no frames decoded"
		}
		return fmt.Errorf("%w: %s", models.ErrDecode, msg)
	}
	if waitErr != nil {
		fs.logger.Warn("ffmpeg exited with error after decoding frames",
			zap.Int("frames", fs.index),
			zap.Error(waitErr))
	}
	return io.EOF
}

func (fs *FrameStream) wait() error {
	if fs.cmd == nil || fs.waited {
		return nil
	}
	fs.waited = true
	return fs.cmd.Wait()
}

// Decoded returns how many frames have been read so far.
func (fs *FrameStream) Decoded() int {
	return fs.index
}

// Close stops ffmpeg if it is still running.
func (fs *FrameStream) Close() error {
	fs.done = true
	if fs.cmd == nil || fs.waited {
		return nil
	}
	if fs.cmd.Process != nil {
		fs.cmd.Process.Kill()
	}
	fs.wait()
	return nil
}
