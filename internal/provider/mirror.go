package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fetchrelay/fetchrelay/internal/fileutil"
	"github.com/fetchrelay/fetchrelay/internal/platform"
	"github.com/fetchrelay/fetchrelay/internal/store"
)

const defaultMirrorTimeout = 30 * time.Second

// MirrorSettings configures a mirror fleet provider.
type MirrorSettings struct {
	Name     string
	Priority int
	// Platforms this fleet serves.
	Platforms []platform.Platform
	// Mirrors are the base URLs of interchangeable fleet members.
	Mirrors []string
	// Timeout is the per-call timeout applied to each member attempt.
	Timeout time.Duration
}

// mirrorProvider fronts a fleet of interchangeable HTTP mirrors. Members
// are tried in order of accumulated failure penalties so a flaky mirror
// drifts to the back of the rotation without being removed.
type mirrorProvider struct {
	base
	httpClient *http.Client
	timeout    time.Duration
	store      *store.Store

	mu       sync.Mutex
	members  []*mirrorMember
	sessions map[string]context.CancelFunc
}

type mirrorMember struct {
	baseURL   string
	penalties int
}

// mirrorInfo is the /api/info response shape.
type mirrorInfo struct {
	Title     string  `json:"title"`
	Duration  float64 `json:"duration"`
	Thumbnail string  `json:"thumbnail"`
	Uploader  string  `json:"uploader"`
}

// mirrorResolve is the /api/resolve response shape.
type mirrorResolve struct {
	DownloadURL string `json:"download_url"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
}

// NewMirror creates a mirror fleet provider and returns it as Provider.
func NewMirror(settings MirrorSettings, st *store.Store, opts ...Option) Provider {
	if settings.Timeout <= 0 {
		settings.Timeout = defaultMirrorTimeout
	}

	members := make([]*mirrorMember, 0, len(settings.Mirrors))
	for _, m := range settings.Mirrors {
		members = append(members, &mirrorMember{baseURL: strings.TrimSuffix(m, "/")})
	}

	p := &mirrorProvider{
		base: newBase(settings.Name, settings.Priority, settings.Platforms,
			Capabilities{
				Metadata: true,
				Progress: true,
			}),
		httpClient: &http.Client{Timeout: settings.Timeout},
		timeout:    settings.Timeout,
		store:      st,
		members:    members,
		sessions:   make(map[string]context.CancelFunc),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Supports reports whether rawURL belongs to one of the fleet's platforms.
func (p *mirrorProvider) Supports(rawURL string) bool {
	return p.supportsPlatform(rawURL)
}

// FetchMetadata queries fleet members for media info, least penalized first.
func (p *mirrorProvider) FetchMetadata(ctx context.Context, rawURL string, opts Options) (*Metadata, error) {
	if !p.Supports(rawURL) {
		return nil, &ValidationError{Field: "url", Reason: "platform not served by this fleet"}
	}

	var meta *Metadata
	err := observe(p.tracker, p.name, func() error {
		return p.eachMember(ctx, func(ctx context.Context, member *mirrorMember) error {
			var info mirrorInfo
			if err := p.getJSON(ctx, member.baseURL+"/api/info?url="+url.QueryEscape(rawURL), &info); err != nil {
				return err
			}
			meta = &Metadata{
				Title:     info.Title,
				Duration:  time.Duration(info.Duration * float64(time.Second)),
				Thumbnail: info.Thumbnail,
				Uploader:  info.Uploader,
				Provider:  p.name,
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// FetchContent resolves a direct download URL through the fleet and streams
// it into the session directory.
func (p *mirrorProvider) FetchContent(ctx context.Context, rawURL, sessionID string, opts Options, onProgress ProgressFunc) (*Result, error) {
	if !p.Supports(rawURL) {
		return nil, &ValidationError{Field: "url", Reason: "platform not served by this fleet"}
	}
	if sessionID == "" {
		return nil, &ValidationError{Field: "session", Reason: "session id is required"}
	}

	var result *Result
	err := observe(p.tracker, p.name, func() error {
		dir, err := p.store.CreateSessionDir(sessionID)
		if err != nil {
			return &ValidationError{Field: "session", Reason: err.Error()}
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		p.mu.Lock()
		p.sessions[sessionID] = cancel
		p.mu.Unlock()
		defer func() {
			p.mu.Lock()
			delete(p.sessions, sessionID)
			p.mu.Unlock()
		}()

		return p.eachMember(ctx, func(ctx context.Context, member *mirrorMember) error {
			var resolved mirrorResolve
			if err := p.getJSON(ctx, member.baseURL+"/api/resolve?url="+url.QueryEscape(rawURL), &resolved); err != nil {
				return err
			}
			if resolved.DownloadURL == "" {
				return &ProtocolError{Provider: p.name, Detail: "resolve returned no download url"}
			}

			name := fileutil.SanitizeFilename(resolved.Filename)
			path, err := fileutil.SafeJoin(dir, name)
			if err != nil {
				return &ProtocolError{Provider: p.name, Detail: "resolve returned unsafe filename"}
			}

			size, err := p.stream(ctx, member.baseURL, resolved.DownloadURL, path, onProgress)
			if err != nil {
				return err
			}

			result = &Result{
				Success:  true,
				FilePath: path,
				FileSize: size,
				Provider: p.name,
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Cancel aborts the transfer for a session. Unknown sessions are a no-op.
func (p *mirrorProvider) Cancel(sessionID string) error {
	p.mu.Lock()
	cancel, ok := p.sessions[sessionID]
	p.mu.Unlock()

	if ok {
		p.logger.Info().Str("session", sessionID).Msg("cancelling download")
		cancel()
	}
	return nil
}

// eachMember tries fn against fleet members ordered by penalty until one
// succeeds. Member failures bump that member's penalty; a success clears it.
// Cancellation stops the rotation immediately.
func (p *mirrorProvider) eachMember(ctx context.Context, fn func(context.Context, *mirrorMember) error) error {
	members := p.orderedMembers()
	if len(members) == 0 {
		return &ValidationError{Field: "mirrors", Reason: "fleet has no members"}
	}

	var lastErr error
	for _, member := range members {
		if err := ctx.Err(); err != nil {
			return classify(p.name, err)
		}

		err := fn(ctx, member)
		if err == nil {
			p.mu.Lock()
			member.penalties = 0
			p.mu.Unlock()
			return nil
		}
		if IsCancelled(err) {
			return classify(p.name, err)
		}

		p.mu.Lock()
		member.penalties++
		p.mu.Unlock()

		p.logger.Warn().Err(err).Str("mirror", member.baseURL).Msg("mirror attempt failed")
		lastErr = err
	}
	return classify(p.name, lastErr)
}

// orderedMembers returns fleet members sorted by ascending penalty. The
// sort is stable so equally healthy mirrors keep their configured order.
func (p *mirrorProvider) orderedMembers() []*mirrorMember {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*mirrorMember, len(p.members))
	copy(out, p.members)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].penalties < out[j].penalties
	})
	return out
}

func (p *mirrorProvider) getJSON(ctx context.Context, rawURL string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return &ValidationError{Field: "url", Reason: err.Error()}
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return p.httpError(ctx, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{Provider: p.name, URL: rawURL}
	case resp.StatusCode != http.StatusOK:
		return &ProtocolError{Provider: p.name, Detail: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return &ProtocolError{Provider: p.name, Detail: "unparsable response body"}
	}
	return nil
}

// stream downloads downloadURL to path, reporting progress when the
// response carries a content length.
func (p *mirrorProvider) stream(ctx context.Context, baseURL, downloadURL, path string, onProgress ProgressFunc) (int64, error) {
	// Relative resolve URLs are joined onto the member that issued them.
	if strings.HasPrefix(downloadURL, "/") {
		downloadURL = baseURL + downloadURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return 0, &ProtocolError{Provider: p.name, Detail: "resolve returned unusable download url"}
	}

	// Streaming is bounded by the request context, not the per-call
	// timeout, so large transfers are not cut off mid-body.
	client := &http.Client{Transport: p.httpClient.Transport}
	resp, err := client.Do(req)
	if err != nil {
		return 0, p.httpError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &ProtocolError{Provider: p.name, Detail: fmt.Sprintf("download status %d", resp.StatusCode)}
	}

	out, err := os.Create(path)
	if err != nil {
		return 0, &ProtocolError{Provider: p.name, Detail: "cannot create output file"}
	}
	defer out.Close()

	var written int64
	total := resp.ContentLength
	buf := make([]byte, 128*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return written, &ProtocolError{Provider: p.name, Detail: "write failed"}
			}
			written += int64(n)
			if onProgress != nil && total > 0 {
				onProgress(float64(written) / float64(total) * 100)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return written, p.httpError(ctx, rerr)
		}
	}

	if onProgress != nil {
		onProgress(100)
	}
	return written, nil
}

// httpError maps a transport failure onto the taxonomy using context state.
func (p *mirrorProvider) httpError(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return &CancelledError{Provider: p.name}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &TimeoutError{Provider: p.name, Op: "http request"}
	default:
		return &NetworkError{Provider: p.name, Err: err}
	}
}
