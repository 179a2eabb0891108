package audio

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
)

// ErrDownsampleWithoutLowPass rejects rate reductions that would alias.
// A naive downsample folds energy above the target Nyquist back into the
// band; callers must opt into the low-pass stage to go down in rate.
var ErrDownsampleWithoutLowPass = errors.New("refusing to downsample without a low-pass stage")

// ChunkMeta is the capture metadata of the most recent ingress frame,
// forwarded onto every resampled output chunk.
type ChunkMeta struct {
	Seq        uint32
	CaptureTs  float64
	DurationMs float32
}

// Chunk is one resampled PCM buffer with forwarded metadata.
type Chunk struct {
	PCM  []byte
	Meta ChunkMeta
}

// ResamplerConfig configures the external resampler process.
type ResamplerConfig struct {
	// Binary is the resampler executable, ffmpeg by default.
	Binary string
	// Args overrides the generated argument list; used by tests to swap
	// in a passthrough process.
	Args []string
	// LowPass enables the anti-aliasing filter required for downsampling.
	LowPass bool
}

// Resampler converts mono PCM16LE between sample rates by piping it
// through an external audio process. One resampler serves one session
// source and must be stopped on session close.
type Resampler struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	out    chan Chunk
	done   chan struct{}
	runErr error

	metaMu sync.Mutex
	meta   ChunkMeta

	endOnce   sync.Once
	closeOnce sync.Once
}

// NewResampler spawns the external process converting fromRate to toRate.
// Upsampling is always allowed; downsampling requires cfg.LowPass.
func NewResampler(fromRate, toRate int, cfg ResamplerConfig) (*Resampler, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("invalid resample rates %d -> %d", fromRate, toRate)
	}
	if toRate < fromRate && !cfg.LowPass {
		return nil, ErrDownsampleWithoutLowPass
	}

	binary := cfg.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	args := cfg.Args
	if args == nil {
		args = []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "s16le", "-ar", strconv.Itoa(fromRate), "-ac", "1", "-i", "pipe:0",
		}
		if toRate < fromRate {
			// Cut at the target Nyquist before decimating.
			args = append(args, "-af", fmt.Sprintf("lowpass=f=%d", toRate/2))
		}
		args = append(args, "-f", "s16le", "-ar", strconv.Itoa(toRate), "-ac", "1", "pipe:1")
	}

	cmd := exec.Command(binary, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start resampler %s: %w", binary, err)
	}

	r := &Resampler{
		cmd:   cmd,
		stdin: stdin,
		out:   make(chan Chunk, 64),
		done:  make(chan struct{}),
	}
	go r.readLoop(stdout)
	return r, nil
}

// Write feeds one ingress PCM buffer and records its metadata for
// forwarding. Blocks when the process stdin is full.
func (r *Resampler) Write(pcm []byte, meta ChunkMeta) error {
	r.metaMu.Lock()
	r.meta = meta
	r.metaMu.Unlock()
	_, err := r.stdin.Write(pcm)
	return err
}

// Output delivers resampled chunks. The channel closes once the process
// has drained after End (or died).
func (r *Resampler) Output() <-chan Chunk { return r.out }

// End closes the process input so remaining audio drains through. Safe
// to call more than once.
func (r *Resampler) End() {
	r.endOnce.Do(func() { _ = r.stdin.Close() })
}

// Err reports how the process exited. Valid after Output has closed.
// A non-zero exit is fatal to the owning session.
func (r *Resampler) Err() error {
	<-r.done
	return r.runErr
}

// Close kills the process if it is still running and releases pipes.
func (r *Resampler) Close() {
	r.closeOnce.Do(func() {
		r.End()
		select {
		case <-r.done:
		default:
			if r.cmd.Process != nil {
				_ = r.cmd.Process.Kill()
			}
			<-r.done
		}
	})
}

func (r *Resampler) readLoop(stdout io.Reader) {
	defer close(r.out)
	defer close(r.done)

	// One dangling byte is carried so downstream only ever sees whole
	// 16-bit samples.
	var carry []byte
	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := append(append([]byte{}, carry...), buf[:n]...)
			carry = nil
			if len(chunk)%2 != 0 {
				carry = []byte{chunk[len(chunk)-1]}
				chunk = chunk[:len(chunk)-1]
			}
			if len(chunk) > 0 {
				r.metaMu.Lock()
				meta := r.meta
				r.metaMu.Unlock()
				r.out <- Chunk{PCM: chunk, Meta: meta}
			}
		}
		if err != nil {
			break
		}
	}

	if err := r.cmd.Wait(); err != nil {
		r.runErr = fmt.Errorf("resampler exited: %w", err)
	}
}
