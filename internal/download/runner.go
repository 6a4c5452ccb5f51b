package download

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2"

	"remedia/internal/event"
	"remedia/internal/logging"
)

// Progress template passed to yt-dlp. Lines arrive as
// remedia-<downloaded>-<total>-<estimate>-<speed>-<eta> with NA for unknowns.
const progressTemplate = "download:remedia-%(progress.downloaded_bytes)s-%(progress.total_bytes)s-%(progress.total_bytes_estimate)s-%(progress.speed)s-%(progress.eta)s"

const progressPrefix = "remedia-"

// Options carries one download request. Everything beyond the four persisted
// fields is request-scoped only and never written to the store.
type Options struct {
	URL        string
	Container  string
	NameFormat string
	Quality    string

	// Advanced, per-request options.
	Folder         string // destination override; relative paths join the default dir
	NamePrefix     string // prepended to the output template
	Limit          int    // max playlist items; 0 means no limit
	StrictPlaylist bool   // download the whole playlist instead of the single item
}

// Runner executes yt-dlp downloads and reports their lifecycle to the
// registry and the event hub. Whether a cancelled child process actually
// stops promptly is yt-dlp's business; the registry record is gone either way.
type Runner struct {
	downloadDir string
	registry    *Registry
	hub         *event.Hub

	ytdlpPath string

	mu      sync.Mutex
	active  map[string]context.CancelFunc
	wg      sync.WaitGroup
	closing atomic.Bool

	// Availability probes are slow (a full yt-dlp --simulate); recent
	// results are served from a bounded cache.
	checks *lru.Cache[string, bool]
}

// NewRunner creates a Runner writing into downloadDir.
func NewRunner(downloadDir string, registry *Registry, hub *event.Hub) *Runner {
	checks, _ := lru.New[string, bool](256)
	return &Runner{
		downloadDir: downloadDir,
		registry:    registry,
		hub:         hub,
		ytdlpPath:   "yt-dlp",
		active:      make(map[string]context.CancelFunc),
		checks:      checks,
	}
}

// SetYtdlpPath overrides the yt-dlp binary location, e.g. after a managed
// install into the cache directory.
func (r *Runner) SetYtdlpPath(path string) {
	if path != "" {
		r.ytdlpPath = path
	}
}

// Start transitions the URL to downloading and launches yt-dlp in the
// background. The record must already exist (queued via CreateOrUpdate).
func (r *Runner) Start(opts Options) error {
	if r.closing.Load() {
		return ErrShuttingDown
	}
	r.mu.Lock()
	if _, ok := r.active[opts.URL]; ok {
		r.mu.Unlock()
		return ErrAlreadyDownloading
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.active[opts.URL] = cancel
	r.mu.Unlock()

	if err := r.registry.SetStatus(ctx, opts.URL, StatusDownloading); err != nil {
		r.mu.Lock()
		delete(r.active, opts.URL)
		r.mu.Unlock()
		cancel()
		return err
	}

	logging.LogDownloadStart(opts.URL, opts.Quality, opts.Container)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.active, opts.URL)
			r.mu.Unlock()
			cancel()
		}()
		r.run(ctx, opts)
	}()
	return nil
}

// Cancel stops any active child for the URL and removes the record.
// Cancellation is modeled as deletion; it is idempotent and succeeds even
// when nothing is downloading.
func (r *Runner) Cancel(ctx context.Context, url string) error {
	r.mu.Lock()
	cancel, ok := r.active[url]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	logging.LogDownloadCancel(url)
	return r.registry.Remove(ctx, url)
}

// Check probes whether yt-dlp can handle the URL (--simulate) and publishes
// the outcome as a YtdlpUrlUpdate emission. Results are cached.
func (r *Runner) Check(ctx context.Context, url string) (bool, error) {
	if ok, hit := r.checks.Get(url); hit {
		return ok, nil
	}
	cmd := exec.CommandContext(ctx, r.ytdlpPath, "--simulate", "--no-playlist", url)
	cmd.Stdout = nil
	cmd.Stderr = nil
	err := cmd.Run()
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	ok := err == nil
	r.checks.Add(url, ok)
	logging.LogURLCheck(url, ok)
	if r.hub != nil {
		r.hub.PublishURLUpdate(url, ok)
	}
	return ok, nil
}

// ActiveCount returns the number of in-flight downloads.
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Shutdown stops accepting new downloads, cancels in-flight children and
// waits for their goroutines.
func (r *Runner) Shutdown() {
	r.closing.Store(true)
	r.mu.Lock()
	for _, cancel := range r.active {
		cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Runner) run(ctx context.Context, opts Options) {
	err := r.execYTDLP(ctx, opts)
	if ctx.Err() != nil {
		// User cancel removes the record; only then are partial files
		// cleaned up. A shutdown cancel keeps them for --continue.
		if _, gerr := r.registry.Get(context.Background(), opts.URL); errors.Is(gerr, ErrNotFound) {
			r.removePartials(opts)
		}
		return
	}
	bg := context.Background()
	if err != nil {
		logging.LogDownloadError(opts.URL, "yt-dlp failed", err)
		if serr := r.registry.SetStatus(bg, opts.URL, StatusFailed); serr != nil && !errors.Is(serr, ErrNotFound) {
			logging.LogDownloadError(opts.URL, "record failure status", serr)
		}
		return
	}
	if serr := r.registry.SetStatus(bg, opts.URL, StatusCompleted); serr != nil && !errors.Is(serr, ErrNotFound) {
		logging.LogDownloadError(opts.URL, "record completed status", serr)
		return
	}
	logging.LogDownloadComplete(opts.URL)
}

func (r *Runner) execYTDLP(ctx context.Context, opts Options) error {
	args := buildArgs(r.downloadDir, opts)
	cmd := exec.CommandContext(ctx, r.ytdlpPath, args...)

	// Progress may appear on either stream; capture both and tee into
	// buffers for diagnostics.
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout: %w", err)
	}
	var stderrBuf, stdoutBuf bytes.Buffer

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.parseProgress(opts.URL, bufio.NewScanner(io.TeeReader(stderr, &stderrBuf)))
	}()
	go func() {
		defer wg.Done()
		r.parseProgress(opts.URL, bufio.NewScanner(io.TeeReader(stdout, &stdoutBuf)))
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		tail := tailString(stderrBuf.String(), 512)
		if tail != "" {
			return fmt.Errorf("yt-dlp: %w: %s", err, tail)
		}
		return fmt.Errorf("yt-dlp: %w", err)
	}
	return nil
}

// parseProgress scans yt-dlp output lines and publishes a DownloadProgress
// snapshot per progress line. Snapshots are fire-and-forget; the latest one
// per URL wins.
func (r *Runner) parseProgress(url string, sc *bufio.Scanner) {
	sc.Buffer(make([]byte, 4096), 256*1024)
	// Split on \n, \r\n or bare \r since yt-dlp rewrites progress in place.
	sc.Split(scanCRorLF)
	for sc.Scan() {
		p, ok := parseProgressLine(url, sc.Text())
		if !ok {
			continue
		}
		if r.hub != nil {
			r.hub.PublishProgress(p)
		}
	}
	if err := sc.Err(); err != nil {
		logging.LogProgressScanError(url, err)
	}
}

// buildArgs constructs the yt-dlp argument list from the request. The four
// persisted fields plus the request-scoped advanced options all end up here.
func buildArgs(downloadDir string, opts Options) []string {
	outDir := downloadDir
	if opts.Folder != "" {
		if filepath.IsAbs(opts.Folder) {
			outDir = opts.Folder
		} else {
			outDir = filepath.Join(downloadDir, opts.Folder)
		}
	}
	tpl := opts.NameFormat
	if opts.NamePrefix != "" {
		tpl = opts.NamePrefix + tpl
	}
	args := []string{
		"--newline", "--no-color",
		"--progress-template", progressTemplate,
		"--continue",
		"--windows-filenames",
		"-f", formatForQuality(opts.Quality),
		"-o", filepath.Join(outDir, tpl),
	}
	if c := strings.ToLower(strings.TrimSpace(opts.Container)); c != "" {
		args = append(args, "--merge-output-format", c)
	}
	if opts.StrictPlaylist {
		args = append(args, "--yes-playlist")
		if opts.Limit > 0 {
			args = append(args, "--playlist-items", fmt.Sprintf("1:%d", opts.Limit))
		}
	} else {
		args = append(args, "--no-playlist")
	}
	return append(args, opts.URL)
}

// formatForQuality maps the quality tiers offered by the client to yt-dlp
// format selectors.
func formatForQuality(quality string) string {
	switch strings.ToLower(strings.TrimSpace(quality)) {
	case "", "best":
		return "bestvideo*+bestaudio/best"
	case "1080p":
		return "bestvideo[height<=1080]+bestaudio/best[height<=1080]"
	case "720p":
		return "bestvideo[height<=720]+bestaudio/best[height<=720]"
	case "480p":
		return "bestvideo[height<=480]+bestaudio/best[height<=480]"
	default:
		// Pass unrecognized tiers straight through as a selector.
		return quality
	}
}

// parseProgressLine decodes one templated progress line into a snapshot.
func parseProgressLine(url, line string) (event.DownloadProgress, bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(line), progressPrefix)
	if !found {
		return event.DownloadProgress{}, false
	}
	parts := strings.Split(rest, "-")
	if len(parts) != 5 {
		return event.DownloadProgress{}, false
	}
	downloaded := parseBytes(parts[0])
	total := parseBytes(parts[1])
	if total <= 0 {
		total = parseBytes(parts[2])
	}
	speed := parseBytes(parts[3])

	if downloaded < 0 {
		return event.DownloadProgress{}, false
	}

	p := event.DownloadProgress{
		URL:            url,
		Percent:        "0.0",
		SizeDownloaded: humanize.IBytes(uint64(downloaded)),
		Speed:          "Unknown",
		ETA:            "Unknown",
	}
	if total > 0 {
		pct := downloaded / total * 100.0
		if pct > 100 {
			pct = 100
		}
		p.Percent = strconv.FormatFloat(pct, 'f', 1, 64)
	}
	if speed > 0 {
		p.Speed = humanize.IBytes(uint64(speed)) + "/s"
	}
	if eta, err := strconv.ParseFloat(parts[4], 64); err == nil && eta >= 0 {
		p.ETA = formatETA(int64(eta))
	}
	return p, true
}

// parseBytes parses a byte count from the template; NA and empty map to -1.
func parseBytes(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "NA" || s == "None" {
		return -1
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return -1
	}
	return v
}

// formatETA renders seconds as mm:ss, or h:mm:ss past the hour.
func formatETA(sec int64) string {
	if sec < 0 {
		return "Unknown"
	}
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

// removePartials deletes leftover partial files for a cancelled download.
// yt-dlp keeps in-flight data in .part/.ytdl files next to the target.
func (r *Runner) removePartials(opts Options) {
	dir := r.downloadDir
	if opts.Folder != "" {
		if filepath.IsAbs(opts.Folder) {
			dir = opts.Folder
		} else {
			dir = filepath.Join(r.downloadDir, opts.Folder)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".ytdl") || strings.HasSuffix(name, ".part-Frag0") {
			_ = os.Remove(filepath.Join(dir, name))
		}
	}
}

// scanCRorLF is like bufio.ScanLines but treats a bare '\r' as a line
// terminator as well. It also handles CRLF and strips a trailing CR.
func scanCRorLF(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' {
			line := data[:i]
			if i > 0 && data[i-1] == '\r' {
				line = data[:i-1]
			}
			return i + 1, line, nil
		}
		if data[i] == '\r' {
			if i+1 < len(data) && data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF {
		if len(data) > 0 && data[len(data)-1] == '\r' {
			return len(data), data[:len(data)-1], nil
		}
		return len(data), data, nil
	}
	return 0, nil, nil
}

// tailString returns the last at most n bytes from s.
func tailString(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(s[len(s)-n:])
}
