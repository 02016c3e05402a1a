package build

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jrick/logrotate/rotator"
	"github.com/klauspost/compress/zstd"
)

// RotatingLogWriter writes log lines to a file that is rolled once it grows
// past the configured size. Rolled files are compressed.
type RotatingLogWriter struct {
	pipe    *io.PipeWriter
	rotator *rotator.Rotator

	// done is closed once the rotator has drained the pipe.
	done chan struct{}
}

// NewRotatingLogWriter returns a writer that discards everything until
// InitLogRotator is called.
func NewRotatingLogWriter() *RotatingLogWriter {
	return &RotatingLogWriter{}
}

// InitLogRotator opens logFile, creating its directory if needed, and starts
// feeding it. Close must be called on shutdown to flush pending lines.
func (r *RotatingLogWriter) InitLogRotator(cfg *LogConfig,
	logFile string) error {

	if err := cfg.Validate(); err != nil {
		return err
	}

	compressor, err := newCompressor(cfg.Compressor)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(logFile), 0700); err != nil {
		return fmt.Errorf("unable to create log directory: %w", err)
	}

	thresholdKB := int64(cfg.MaxLogFileSize) * 1024
	r.rotator, err = rotator.New(logFile, thresholdKB, false, cfg.MaxLogFiles)
	if err != nil {
		return fmt.Errorf("unable to open log file %v: %w", logFile, err)
	}
	r.rotator.SetCompressor(compressor, logCompressors[cfg.Compressor])

	pr, pw := io.Pipe()
	r.pipe = pw
	r.done = make(chan struct{})

	go r.run(pr)

	return nil
}

// run copies lines from the pipe into the rotator until the pipe is closed.
func (r *RotatingLogWriter) run(pr *io.PipeReader) {
	defer close(r.done)

	err := r.rotator.Run(pr)
	if err == nil || errors.Is(err, io.EOF) {
		return
	}

	// Writers would block forever on a pipe nobody reads.
	_, _ = fmt.Fprintf(os.Stderr, "log rotator stopped: %v\n", err)
	_ = pr.CloseWithError(err)
}

// newCompressor returns the compressor for rolled files named by name.
func newCompressor(name string) (rotator.Compressor, error) {
	switch name {
	case Gzip:
		return gzip.NewWriter(nil), nil

	case Zstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("unable to create zstd "+
				"compressor: %w", err)
		}

		return enc, nil

	default:
		return nil, fmt.Errorf("unknown log compressor: %v", name)
	}
}

// Write hands b to the rotator. Before InitLogRotator it is a no-op.
func (r *RotatingLogWriter) Write(b []byte) (int, error) {
	if r.pipe == nil {
		return len(b), nil
	}

	return r.pipe.Write(b)
}

// Close flushes pending lines and closes the log file.
func (r *RotatingLogWriter) Close() error {
	if r.rotator == nil {
		return nil
	}

	_ = r.pipe.Close()
	<-r.done

	return r.rotator.Close()
}
