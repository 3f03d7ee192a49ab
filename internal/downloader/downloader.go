// Package downloader fetches package artifacts referenced by a manifest,
// either from the fog control plane or a third-party mirror URL, verifying
// their checksum against the declared value before handing them to
// internal/pkghandler.
package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/nano-agent/orchestrator/internal/logging"
	"github.com/nano-agent/orchestrator/internal/orchtools"
)

// httpClient is shared across all fetches; a generous timeout since
// artifacts may be large, bounded by the caller's context for anything
// tighter.
var httpClient = &http.Client{Timeout: 5 * time.Minute}

// TokenSource supplies the bearer token used to authenticate fog requests.
// internal/fogauth implements this.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// ChecksumMismatchError marks a download whose content did not match its
// declared checksum. It is never retried — a mismatch is treated as
// adversarial, not transient.
type ChecksumMismatchError struct {
	Resource string
	Want     string
	Got      string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: want %s got %s", e.Resource, e.Want, e.Got)
}

// Downloader fetches artifacts into a staging directory.
type Downloader struct {
	fogAddress string
	fogSSL     bool
	tokens     TokenSource
	stagingDir string
	log        *logging.Logger
}

// New creates a Downloader. fogAddress is the bare host[:port] of the fog
// control plane; fogSSL selects https vs http.
func New(fogAddress string, fogSSL bool, tokens TokenSource, stagingDir string, log *logging.Logger) *Downloader {
	return &Downloader{fogAddress: fogAddress, fogSSL: fogSSL, tokens: tokens, stagingDir: stagingDir, log: log}
}

func (d *Downloader) fogURL(resource string) string {
	scheme := "http"
	if d.fogSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, d.fogAddress, resource)
}

func (d *Downloader) stagingPath(name string) string {
	return filepath.Join(d.stagingDir, name+".download")
}

// DownloadFromFog performs an authenticated fetch of resource from the fog
// and verifies its checksum. One transport-level retry is attempted on
// network error; a checksum mismatch is never retried.
func (d *Downloader) DownloadFromFog(ctx context.Context, checksum string, checksumType orchtools.ChecksumType, resource string) (string, error) {
	token, err := d.tokens.AccessToken(ctx)
	if err != nil {
		return "", fmt.Errorf("download %s: acquire token: %w", resource, err)
	}

	dest := d.stagingPath(filepath.Base(resource))
	fetch := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.fogURL(resource), nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return d.fetchTo(req, dest)
	}

	if err := d.fetchWithRetry(fetch); err != nil {
		return "", fmt.Errorf("download %s from fog: %w", resource, err)
	}
	return d.verify(dest, resource, checksum, checksumType)
}

// DownloadFromURL fetches an artifact from an arbitrary third-party
// mirror URL (unauthenticated) with the same checksum-verification
// semantics as DownloadFromFog.
func (d *Downloader) DownloadFromURL(ctx context.Context, rawURL, checksum string, checksumType orchtools.ChecksumType, serviceName string) (string, error) {
	dest := d.stagingPath(serviceName)
	fetch := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return err
		}
		return d.fetchTo(req, dest)
	}

	if err := d.fetchWithRetry(fetch); err != nil {
		return "", fmt.Errorf("download %s from %s: %w", serviceName, rawURL, err)
	}
	return d.verify(dest, serviceName, checksum, checksumType)
}

// VirtualRef is one (tenant, profile) variant to fetch in a batch.
type VirtualRef struct {
	Tenant   string
	Profile  string
	Resource string
	Checksum string
}

// VirtualKey identifies one entry of the map returned by
// DownloadVirtualFromFog.
type VirtualKey struct {
	Tenant  string
	Profile string
}

// DownloadVirtualFromFog fetches the per-(tenant, profile) artifact
// variants named in refs, returning a path keyed by (tenant, profile). A
// single ref's failure does not abort the others; its error is returned
// alongside the partial map.
func (d *Downloader) DownloadVirtualFromFog(ctx context.Context, refs []VirtualRef, checksumType orchtools.ChecksumType) (map[VirtualKey]string, error) {
	out := make(map[VirtualKey]string, len(refs))
	var firstErr error
	for _, ref := range refs {
		path, err := d.DownloadFromFog(ctx, ref.Checksum, checksumType, ref.Resource)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out[VirtualKey{Tenant: ref.Tenant, Profile: ref.Profile}] = path
	}
	return out, firstErr
}

// RemoveDownloadFile deletes the cached staging file for packageName after
// a successful install. Missing files are not an error.
func (d *Downloader) RemoveDownloadFile(packageName string) error {
	return orchtools.RemoveFile(d.stagingPath(packageName))
}

func (d *Downloader) fetchWithRetry(fetch func() error) error {
	err := fetch()
	if err == nil {
		return nil
	}
	if _, ok := err.(*ChecksumMismatchError); ok {
		return err
	}
	return fetch()
}

func (d *Downloader) fetchTo(req *http.Request, dest string) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if err := orchtools.CreateDirectory(filepath.Dir(dest)); err != nil {
		return err
	}
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("write staging file: %w", err)
	}
	return nil
}

func (d *Downloader) verify(path, resource, want string, checksumType orchtools.ChecksumType) (string, error) {
	got, err := orchtools.CalculateChecksum(checksumType, path)
	if err != nil {
		return "", fmt.Errorf("checksum %s: %w", resource, err)
	}
	if got != want {
		orchtools.RemoveFile(path)
		return "", &ChecksumMismatchError{Resource: resource, Want: want, Got: got}
	}
	return path, nil
}
