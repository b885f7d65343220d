package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sync"

	"github.com/mattn/go-shellwords"
)

// FetchError reports a media download that could not complete.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch: %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Downloader fetches remote media into a destination directory and reports
// the local path and media title.
type Downloader interface {
	Fetch(ctx context.Context, url, destDir string) (path, title string, err error)
}

var mediaURLPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(https?://)?(www\.)?youtube\.com/watch\?v=[\w-]+`),
	regexp.MustCompile(`^(https?://)?(www\.)?youtu\.be/[\w-]+`),
	regexp.MustCompile(`^(https?://)?(www\.)?youtube\.com/shorts/[\w-]+`),
	regexp.MustCompile(`^(https?://)?(www\.)?youtube\.com/embed/[\w-]+`),
}

// IsMediaURL reports whether the string looks like a supported media URL.
func IsMediaURL(url string) bool {
	for _, p := range mediaURLPatterns {
		if p.MatchString(url) {
			return true
		}
	}
	return false
}

type execDownloader struct {
	cmd []string
	mu  sync.Mutex
}

// NewExecDownloader wraps a yt-dlp-style CLI. The CLI receives the URL and
// destination directory and answers {"path": ..., "title": ...} on stdout.
func NewExecDownloader(command string) (Downloader, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse fetch command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("fetch command is empty")
	}
	return &execDownloader{cmd: args}, nil
}

type fetchResult struct {
	Path  string `json:"path"`
	Title string `json:"title"`
}

func (d *execDownloader) Fetch(ctx context.Context, url, destDir string) (string, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", "", &FetchError{URL: url, Err: err}
	}

	base := d.cmd[0]
	args := append([]string{}, d.cmd[1:]...)
	args = append(args, "--url", url, "--dest", destDir)

	cmd := exec.CommandContext(ctx, base, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return "", "", &FetchError{URL: url, Err: err}
	}

	var res fetchResult
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return "", "", &FetchError{URL: url, Err: fmt.Errorf("decode fetch response: %w", err)}
	}
	if res.Path == "" {
		return "", "", &FetchError{URL: url, Err: fmt.Errorf("fetch returned no path")}
	}
	return res.Path, res.Title, nil
}
