package geolocation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/oschwald/geoip2-golang"
)

const (
	GeoLiteCityEdition  = "GeoLite2-City"
	GeoLiteCityFileName = "GeoLite2-City.mmdb"
	englishLocale       = "en"
)

// GeoLiteResolver answers lookups from a local GeoLite2 City database. The
// reader can be swapped at runtime after the file on disk is replaced.
type GeoLiteResolver struct {
	path   string
	mu     sync.RWMutex
	reader *geoip2.Reader
}

// NewGeoLiteResolver opens the City database in dataDir. A missing file is not
// fatal: the resolver fails every lookup until Reload succeeds.
func NewGeoLiteResolver(dataDir string) *GeoLiteResolver {
	r := &GeoLiteResolver{path: filepath.Join(dataDir, GeoLiteCityFileName)}
	if err := r.Reload(); err != nil {
		log.Warn("GeoLite City database unavailable, lookups will degrade", "path", r.path, "error", err)
	}
	return r
}

// Path returns the location of the mmdb file on disk.
func (r *GeoLiteResolver) Path() string {
	return r.path
}

// Reload reopens the database file and swaps the active reader.
func (r *GeoLiteResolver) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return err
	}
	reader, err := geoip2.FromBytes(data)
	if err != nil {
		return fmt.Errorf("geolite: open %s: %w", r.path, err)
	}

	r.mu.Lock()
	old := r.reader
	r.reader = reader
	r.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (r *GeoLiteResolver) Resolve(ctx context.Context, ip string) (Location, error) {
	if err := ctx.Err(); err != nil {
		return Location{}, err
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Location{}, fmt.Errorf("geolite: invalid ip %q", ip)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.reader == nil {
		return Location{}, ErrNotConfigured
	}

	record, err := r.reader.City(parsed)
	if err != nil {
		return Location{}, fmt.Errorf("geolite: lookup %s: %w", ip, err)
	}
	if record == nil {
		return Location{}, errors.New("geolite: empty record")
	}

	return Location{
		Country: record.Country.Names[englishLocale],
		City:    record.City.Names[englishLocale],
	}, nil
}

func (r *GeoLiteResolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reader == nil {
		return nil
	}
	err := r.reader.Close()
	r.reader = nil
	return err
}
