// Package hub resolves pretrained model identifiers and keeps a local copy
// of the checkpoint files downloaded from a HuggingFace-compatible hub.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/samogod/opustune/pkg/config"
)

var ErrNotFound = errors.New("not found on hub")

// RequiredFiles must exist for a checkpoint to be usable.
var RequiredFiles = []string{"config.json", "vocab.json"}

// OptionalFiles are fetched when the repository has them.
var OptionalFiles = []string{
	"source.spm",
	"target.spm",
	"tokenizer_config.json",
	"special_tokens_map.json",
	"model.safetensors",
}

// ModelID expands the {src} and {tgt} placeholders of template. A template
// without placeholders is returned as is, which lets it name a local
// directory.
func ModelID(template, src, tgt string) (string, error) {
	src, tgt = strings.TrimSpace(src), strings.TrimSpace(tgt)
	if src == "" || tgt == "" {
		return "", fmt.Errorf("source and target languages are required")
	}
	id := strings.NewReplacer("{src}", src, "{tgt}", tgt).Replace(template)
	if id == "" {
		return "", fmt.Errorf("empty model template")
	}
	return id, nil
}

type Downloader struct {
	endpoint string
	token    string
	cacheDir string
	client   *http.Client
	logger   *logrus.Logger
}

func NewDownloader(cfg config.Hub, client *http.Client, logger *logrus.Logger) *Downloader {
	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = config.GetModelCacheDir()
	}
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = config.DefaultHubEndpoint
	}
	if client == nil {
		client = &http.Client{}
	}

	return &Downloader{
		endpoint: endpoint,
		token:    cfg.Token,
		cacheDir: cacheDir,
		client:   client,
		logger:   logger,
	}
}

// Fetch returns a directory holding the checkpoint files of repo. An
// existing local directory is used in place; otherwise the files are
// downloaded into the cache, reusing those already present.
func (d *Downloader) Fetch(ctx context.Context, repo string) (string, error) {
	if info, err := os.Stat(repo); err == nil && info.IsDir() {
		d.logger.Debugf("using local model directory %s", repo)
		return repo, nil
	}
	if err := validateRepo(repo); err != nil {
		return "", err
	}

	dir := filepath.Join(d.cacheDir, filepath.FromSlash(repo))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	baseURL := fmt.Sprintf("%s/%s/resolve/main", d.endpoint, repo)

	for _, name := range RequiredFiles {
		if err := d.fetchFile(ctx, baseURL, name, dir); err != nil {
			if errors.Is(err, ErrNotFound) {
				return "", fmt.Errorf("model %s: %w", repo, err)
			}
			return "", fmt.Errorf("failed to download %s: %w", name, err)
		}
	}
	for _, name := range OptionalFiles {
		if err := d.fetchFile(ctx, baseURL, name, dir); err != nil {
			if errors.Is(err, ErrNotFound) {
				d.logger.Debugf("%s has no %s", repo, name)
				continue
			}
			return "", fmt.Errorf("failed to download %s: %w", name, err)
		}
	}

	d.logger.Infof("model %s cached at %s", repo, dir)
	return dir, nil
}

func validateRepo(repo string) error {
	parts := strings.Split(repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("invalid model id %q, want owner/name", repo)
	}
	for _, p := range parts {
		if p == "." || p == ".." {
			return fmt.Errorf("invalid model id %q", repo)
		}
	}
	return nil
}

func (d *Downloader) fetchFile(ctx context.Context, baseURL, name, dir string) error {
	dest := filepath.Join(dir, name)
	if fileExists(dest) {
		d.logger.Debugf("reusing cached %s", dest)
		return nil
	}

	d.logger.Infof("downloading %s", name)
	return d.downloadFile(ctx, baseURL+"/"+name, dest)
}

func (d *Downloader) downloadFile(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusUnauthorized:
		// the hub answers 401 for repositories that do not exist
		return fmt.Errorf("%s: %w", filepath.Base(dest), ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
