package media

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// maxStderrBytes bounds how much yt-dlp stderr is kept for error messages.
const maxStderrBytes = 4096

// YTDLP fetches media with the yt-dlp command line tool.
type YTDLP struct {
	binary string
	logger zerolog.Logger
}

// YTDLPOption is a functional option for configuring YTDLP.
type YTDLPOption func(*YTDLP)

// WithYTDLPLogger sets the logger.
func WithYTDLPLogger(logger zerolog.Logger) YTDLPOption {
	return func(y *YTDLP) {
		y.logger = logger
	}
}

// NewYTDLP creates a fetcher that runs binary.
func NewYTDLP(binary string, opts ...YTDLPOption) *YTDLP {
	y := &YTDLP{
		binary: binary,
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(y)
	}

	return y
}

type probeOutput struct {
	Type    string            `json:"_type"`
	Title   string            `json:"title"`
	Entries []json.RawMessage `json:"entries"`
}

// Probe reads the source's metadata without downloading it.
func (y *YTDLP) Probe(ctx context.Context, url string) (Metadata, error) {
	out, err := y.run(ctx, "--dump-single-json", "--flat-playlist", "--no-warnings", "--", url)
	if err != nil {
		return Metadata{}, fmt.Errorf("probe %s: %w", url, err)
	}

	var p probeOutput
	if err = json.Unmarshal(out, &p); err != nil {
		return Metadata{}, fmt.Errorf("probe %s: decode metadata: %w", url, err)
	}

	return Metadata{
		Title:        p.Title,
		IsCollection: p.Type == "playlist",
		Entries:      len(p.Entries),
	}, nil
}

// FetchArgs builds the yt-dlp argument list for req.
func FetchArgs(req FetchRequest) []string {
	args := []string{
		"--no-warnings",
		"--no-progress",
		"-o", req.OutputTemplate,
		"--print", "after_move:filepath",
	}

	if req.AudioOnly {
		args = append(args, "-f", "bestaudio/best", "-x", "--audio-format", "mp3", "--audio-quality", "192K")
	} else {
		args = append(args, "-f", "bestvideo[height<=1080]+bestaudio/best")
	}

	if req.Collection {
		args = append(args, "--yes-playlist", "--ignore-errors")
	} else {
		args = append(args, "--no-playlist")
	}

	return append(args, "--", req.URL)
}

// Fetch downloads req.URL and returns the files yt-dlp reported as written.
func (y *YTDLP) Fetch(ctx context.Context, req FetchRequest) ([]string, error) {
	out, err := y.run(ctx, FetchArgs(req)...)

	var written []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			written = append(written, line)
		}
	}

	if err != nil {
		// --ignore-errors still exits non-zero when any item failed.
		if req.Collection && len(written) > 0 && ctx.Err() == nil {
			y.logger.Warn().Err(err).Str("url", req.URL).Int("files", len(written)).
				Msg("some collection items failed")
			return written, nil
		}
		return written, fmt.Errorf("fetch %s: %w", req.URL, err)
	}

	return written, nil
}

func (y *YTDLP) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, y.binary, args...)

	var stdout bytes.Buffer
	stderr := &limitedBuffer{max: maxStderrBytes}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	y.logger.Debug().Strs("args", args).Msg("running yt-dlp")

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stdout.Bytes(), ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = exitErr.Error()
			}
			return stdout.Bytes(), errors.New(msg)
		}
		return stdout.Bytes(), err
	}

	return stdout.Bytes(), nil
}

// limitedBuffer keeps the last max bytes written to it.
type limitedBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	b.buf.Write(p)
	if over := b.buf.Len() - b.max; over > 0 {
		b.buf.Next(over)
	}
	return n, nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
