package lifecycle

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/2beens/offlinecache/internal/classifier"
)

// Config describes one releasable version of the app: its identity, the
// namespaces it owns and the manifest pre-cached at install.
type Config struct {
	AppName       string   `toml:"app_name" json:"app_name"`
	Version       string   `toml:"version" json:"version"`
	StaticVersion string   `toml:"static_version" json:"static_version"`
	Manifest      []string `toml:"manifest" json:"manifest"`
	// SkipWaiting activates right after a successful install.
	SkipWaiting bool `toml:"skip_waiting" json:"skip_waiting"`
}

func (c Config) Validate() error {
	if c.AppName == "" {
		return errors.New("app name cannot be empty")
	}
	if strings.ContainsAny(c.AppName, " \x00") {
		return fmt.Errorf("invalid app name: %q", c.AppName)
	}
	if c.Version == "" {
		return errors.New("version cannot be empty")
	}
	if c.StaticVersion == "" {
		return errors.New("static version cannot be empty")
	}
	seen := make(map[string]bool, len(c.Manifest))
	for _, entry := range c.Manifest {
		if entry == "" {
			return errors.New("manifest contains an empty entry")
		}
		if seen[entry] {
			return fmt.Errorf("duplicate manifest entry: %s", entry)
		}
		seen[entry] = true
	}
	return nil
}

// CacheName is the namespace holding documents and the manifest.
func (c Config) CacheName() string {
	return fmt.Sprintf("%s-v%s", c.AppName, c.Version)
}

func (c Config) StaticCacheName() string {
	return fmt.Sprintf("%s-static-v%s", c.AppName, c.StaticVersion)
}

func (c Config) Namespaces() classifier.Namespaces {
	return classifier.Namespaces{
		Documents: c.CacheName(),
		Static:    c.StaticCacheName(),
	}
}

func (c Config) sameRelease(other Config) bool {
	return c.CacheName() == other.CacheName() && c.StaticCacheName() == other.StaticCacheName()
}

// resolveManifest makes every manifest entry absolute against the app origin.
// Entries that already carry a host (a font stylesheet, say) are kept as they are.
func resolveManifest(origin *url.URL, manifest []string) ([]string, error) {
	resolved := make([]string, 0, len(manifest))
	for _, entry := range manifest {
		u, err := url.Parse(entry)
		if err != nil {
			return nil, fmt.Errorf("parse manifest entry %s: %w", entry, err)
		}
		resolved = append(resolved, origin.ResolveReference(u).String())
	}
	return resolved, nil
}
