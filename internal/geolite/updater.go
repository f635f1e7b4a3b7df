package geolite

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"ipwarden/internal/geolocation"
)

const (
	maxMindDownloadURL = "https://download.maxmind.com/app/geoip_download"
	userAgent          = "ipwarden-geolite-updater/1.0"
)

// ErrNoLicenseKey indicates that the MaxMind license key has not been configured.
var ErrNoLicenseKey = errors.New("geolite: license key is not configured")

// Updater downloads the GeoLite2 City edition and hands it to the resolver.
type Updater struct {
	licenseKey  string
	dataDir     string
	downloadURL string
	httpClient  *http.Client
	reload      func() error
	distributor *Distributor
	group       singleflight.Group
}

type UpdaterOption func(*Updater)

func WithDownloadURL(url string) UpdaterOption {
	return func(u *Updater) {
		u.downloadURL = url
	}
}

func WithHTTPClient(client *http.Client) UpdaterOption {
	return func(u *Updater) {
		u.httpClient = client
	}
}

// WithDistributor publishes every fresh download to other instances.
func WithDistributor(d *Distributor) UpdaterOption {
	return func(u *Updater) {
		u.distributor = d
	}
}

// NewUpdater builds an updater writing into dataDir. reload is invoked after
// the file on disk has been replaced.
func NewUpdater(licenseKey, dataDir string, reload func() error, opts ...UpdaterOption) *Updater {
	u := &Updater{
		licenseKey:  strings.TrimSpace(licenseKey),
		dataDir:     dataDir,
		downloadURL: maxMindDownloadURL,
		httpClient:  &http.Client{Timeout: 2 * time.Minute},
		reload:      reload,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// FilePath returns where the City database is stored.
func (u *Updater) FilePath() string {
	return filepath.Join(u.dataDir, geolocation.GeoLiteCityFileName)
}

// Update downloads the City database. It returns true when the file was
// replaced. Without a license key the call is skipped with ErrNoLicenseKey.
func (u *Updater) Update(ctx context.Context) (bool, error) {
	result, err, _ := u.group.Do("update", func() (interface{}, error) {
		if u.licenseKey == "" {
			return false, ErrNoLicenseKey
		}

		if err := os.MkdirAll(u.dataDir, 0o755); err != nil {
			return false, fmt.Errorf("ensure data dir: %w", err)
		}

		if err := u.downloadEdition(ctx); err != nil {
			return false, err
		}

		if u.reload != nil {
			if err := u.reload(); err != nil {
				return false, fmt.Errorf("reload geolite: %w", err)
			}
		}

		if u.distributor != nil {
			if err := u.distributor.Publish(ctx); err != nil {
				log.Warn("Failed to publish GeoLite database to redis", "error", err)
			}
		}

		return true, nil
	})

	if err != nil {
		return false, err
	}

	updated, _ := result.(bool)
	return updated, nil
}

func (u *Updater) downloadEdition(ctx context.Context) error {
	edition := geolocation.GeoLiteCityEdition

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.buildDownloadURL(edition), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", edition, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("download %s: unexpected status %d: %s", edition, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	gzipReader, err := gzip.NewReader(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: open gzip: %w", edition, err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%s: read tar: %w", edition, err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		if filepath.Base(header.Name) != geolocation.GeoLiteCityFileName {
			continue
		}

		if err := writeToFile(u.FilePath(), tarReader); err != nil {
			return fmt.Errorf("%s: write file: %w", edition, err)
		}
		return nil
	}

	return fmt.Errorf("%s: mmdb file not found in archive", edition)
}

func (u *Updater) buildDownloadURL(edition string) string {
	return fmt.Sprintf("%s?edition_id=%s&license_key=%s&suffix=tar.gz", u.downloadURL, edition, u.licenseKey)
}

func writeToFile(destPath string, data io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), "geolite-*.mmdb")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmpFile.Name())
	}()

	if _, err := io.Copy(tmpFile, data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("copy data: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpFile.Name(), destPath); err != nil {
		return fmt.Errorf("replace file: %w", err)
	}

	return nil
}
