package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fetchrelay/fetchrelay/internal/platform"
	"github.com/fetchrelay/fetchrelay/internal/store"
)

const defaultYTDLPTimeout = 10 * time.Minute

// progressRe matches yt-dlp's --newline progress output.
var progressRe = regexp.MustCompile(`^\[download\]\s+([0-9.]+)%`)

// YTDLPSettings configures the yt-dlp provider.
type YTDLPSettings struct {
	Name     string
	Priority int
	// Binary is the path to the yt-dlp executable.
	Binary string
	// Timeout is the default per-operation timeout.
	Timeout time.Duration
}

// ytdlpProvider shells out to the yt-dlp executable. It is the
// general-purpose backend and accepts every platform including unknown.
type ytdlpProvider struct {
	base
	binary  string
	store   *store.Store
	timeout time.Duration

	mu       sync.Mutex
	sessions map[string]context.CancelFunc
}

// ytdlpInfo is the subset of yt-dlp --dump-json output we consume.
type ytdlpInfo struct {
	Title     string  `json:"title"`
	Duration  float64 `json:"duration"`
	Thumbnail string  `json:"thumbnail"`
	Uploader  string  `json:"uploader"`
	Formats   []struct {
		FormatID   string `json:"format_id"`
		Ext        string `json:"ext"`
		Resolution string `json:"resolution"`
		Filesize   int64  `json:"filesize"`
		FormatNote string `json:"format_note"`
	} `json:"formats"`
}

// NewYTDLP creates a yt-dlp backed provider and returns it as Provider.
func NewYTDLP(settings YTDLPSettings, st *store.Store, opts ...Option) Provider {
	if settings.Binary == "" {
		settings.Binary = "yt-dlp"
	}
	if settings.Timeout <= 0 {
		settings.Timeout = defaultYTDLPTimeout
	}

	p := &ytdlpProvider{
		base: newBase(settings.Name, settings.Priority,
			[]platform.Platform{
				platform.YouTube,
				platform.TikTok,
				platform.Instagram,
				platform.Twitter,
				platform.Unknown,
			},
			Capabilities{
				Metadata:         true,
				AudioOnly:        true,
				QualitySelection: true,
				Progress:         true,
				Resume:           true,
			}),
		binary:   settings.Binary,
		store:    st,
		timeout:  settings.Timeout,
		sessions: make(map[string]context.CancelFunc),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Supports reports whether rawURL is a well-formed http(s) URL. yt-dlp
// itself decides per site, so any valid URL is attemptable.
func (p *ytdlpProvider) Supports(rawURL string) bool {
	return platform.ValidURL(rawURL)
}

// FetchMetadata runs yt-dlp --dump-json and parses the result.
func (p *ytdlpProvider) FetchMetadata(ctx context.Context, rawURL string, opts Options) (*Metadata, error) {
	if !p.Supports(rawURL) {
		return nil, &ValidationError{Field: "url", Reason: "not a valid http(s) URL"}
	}

	timeout := p.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	var meta *Metadata
	err := observe(p.tracker, p.name, func() error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		args := []string{"--dump-json", "--no-playlist", "--no-warnings", rawURL}
		cmd := exec.CommandContext(ctx, p.binary, args...)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		p.logger.Debug().Str("url", rawURL).Msg("fetching metadata")

		if err := cmd.Run(); err != nil {
			return classify(p.name, p.runError(ctx, err, stderr.String(), rawURL))
		}

		var info ytdlpInfo
		if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
			return &ProtocolError{Provider: p.name, Detail: "unparsable metadata output"}
		}

		meta = p.toMetadata(&info)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// FetchContent downloads the media into the session directory, streaming
// progress parsed from yt-dlp's --newline output.
func (p *ytdlpProvider) FetchContent(ctx context.Context, rawURL, sessionID string, opts Options, onProgress ProgressFunc) (*Result, error) {
	if !p.Supports(rawURL) {
		return nil, &ValidationError{Field: "url", Reason: "not a valid http(s) URL"}
	}
	if sessionID == "" {
		return nil, &ValidationError{Field: "session", Reason: "session id is required"}
	}

	timeout := p.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	var result *Result
	err := observe(p.tracker, p.name, func() error {
		dir, err := p.store.CreateSessionDir(sessionID)
		if err != nil {
			return &ValidationError{Field: "session", Reason: err.Error()}
		}

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		p.registerSession(sessionID, cancel)
		defer p.unregisterSession(sessionID)

		args := []string{
			"--newline",
			"--no-playlist",
			"--no-warnings",
			"-o", dir + string(os.PathSeparator) + "%(title)s.%(ext)s",
		}
		if opts.AudioOnly {
			args = append(args, "-x")
		}
		if opts.Format != "" {
			args = append(args, "-f", opts.Format)
		}
		args = append(args, rawURL)

		cmd := exec.CommandContext(ctx, p.binary, args...)

		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return &NetworkError{Provider: p.name, Err: err}
		}

		p.logger.Info().Str("url", rawURL).Str("session", sessionID).Msg("starting download")

		if err := cmd.Start(); err != nil {
			return classify(p.name, p.runError(ctx, err, stderr.String(), rawURL))
		}

		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			if onProgress == nil {
				continue
			}
			if m := progressRe.FindStringSubmatch(scanner.Text()); m != nil {
				if pct, err := strconv.ParseFloat(m[1], 64); err == nil {
					onProgress(pct)
				}
			}
		}

		if err := cmd.Wait(); err != nil {
			return classify(p.name, p.runError(ctx, err, stderr.String(), rawURL))
		}

		path, size, err := p.outputFile(dir)
		if err != nil {
			return &ProtocolError{Provider: p.name, Detail: "download produced no output file"}
		}

		result = &Result{
			Success:  true,
			FilePath: path,
			FileSize: size,
			Provider: p.name,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Cancel aborts the transfer for a session. Unknown sessions are a no-op.
func (p *ytdlpProvider) Cancel(sessionID string) error {
	p.mu.Lock()
	cancel, ok := p.sessions[sessionID]
	p.mu.Unlock()

	if ok {
		p.logger.Info().Str("session", sessionID).Msg("cancelling download")
		cancel()
	}
	return nil
}

func (p *ytdlpProvider) registerSession(sessionID string, cancel context.CancelFunc) {
	p.mu.Lock()
	p.sessions[sessionID] = cancel
	p.mu.Unlock()
}

func (p *ytdlpProvider) unregisterSession(sessionID string) {
	p.mu.Lock()
	delete(p.sessions, sessionID)
	p.mu.Unlock()
}

// runError maps a yt-dlp process failure onto the taxonomy using the
// context state and stderr content.
func (p *ytdlpProvider) runError(ctx context.Context, err error, stderr, rawURL string) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return &CancelledError{Provider: p.name}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &TimeoutError{Provider: p.name, Op: "yt-dlp"}
	case errors.Is(err, exec.ErrNotFound):
		return &NetworkError{Provider: p.name, Err: err}
	}

	lower := strings.ToLower(stderr)
	if strings.Contains(lower, "not available") ||
		strings.Contains(lower, "404") ||
		strings.Contains(lower, "does not exist") {
		return &NotFoundError{Provider: p.name, URL: rawURL}
	}

	detail := strings.TrimSpace(stderr)
	if len(detail) > 200 {
		detail = detail[:200]
	}
	if detail == "" {
		detail = err.Error()
	}
	return &ProtocolError{Provider: p.name, Detail: detail}
}

// outputFile locates the single downloaded file in the session directory.
func (p *ytdlpProvider) outputFile(dir string) (string, int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", 0, err
	}

	var best string
	var bestSize int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		// Skip yt-dlp partial artifacts.
		if strings.HasSuffix(entry.Name(), ".part") || strings.HasSuffix(entry.Name(), ".ytdl") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if best == "" || info.Size() > bestSize {
			best = entry.Name()
			bestSize = info.Size()
		}
	}
	if best == "" {
		return "", 0, os.ErrNotExist
	}
	return dir + string(os.PathSeparator) + best, bestSize, nil
}

func (p *ytdlpProvider) toMetadata(info *ytdlpInfo) *Metadata {
	meta := &Metadata{
		Title:     info.Title,
		Duration:  time.Duration(info.Duration * float64(time.Second)),
		Thumbnail: info.Thumbnail,
		Uploader:  info.Uploader,
		Provider:  p.name,
	}
	for _, f := range info.Formats {
		meta.Formats = append(meta.Formats, FormatInfo{
			ID:         f.FormatID,
			Ext:        f.Ext,
			Resolution: f.Resolution,
			Filesize:   f.Filesize,
			Note:       f.FormatNote,
		})
	}
	return meta
}
