package lifecycle

import (
	"time"
)

type State int

const (
	StateInstalling State = iota
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	default:
		return "redundant"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Generation is one installed (or installing) version. Guarded by the
// controller mutex.
type Generation struct {
	config      Config
	state       State
	installedAt time.Time
	activatedAt time.Time
}

func newGeneration(config Config) *Generation {
	return &Generation{
		config: config,
		state:  StateInstalling,
	}
}

func (g *Generation) Config() Config {
	return g.config
}

// GenerationInfo is a point-in-time copy of a generation, safe to hand out.
type GenerationInfo struct {
	Version         string    `json:"version"`
	StaticVersion   string    `json:"static_version"`
	CacheName       string    `json:"cache_name"`
	StaticCacheName string    `json:"static_cache_name"`
	State           State     `json:"state"`
	ManifestSize    int       `json:"manifest_size"`
	InstalledAt     time.Time `json:"installed_at,omitempty"`
	ActivatedAt     time.Time `json:"activated_at,omitempty"`
}

func (g *Generation) info() *GenerationInfo {
	if g == nil {
		return nil
	}
	return &GenerationInfo{
		Version:         g.config.Version,
		StaticVersion:   g.config.StaticVersion,
		CacheName:       g.config.CacheName(),
		StaticCacheName: g.config.StaticCacheName(),
		State:           g.state,
		ManifestSize:    len(g.config.Manifest),
		InstalledAt:     g.installedAt,
		ActivatedAt:     g.activatedAt,
	}
}

type Status struct {
	Active     *GenerationInfo `json:"active"`
	Waiting    *GenerationInfo `json:"waiting"`
	Installing *GenerationInfo `json:"installing"`
	Clients    int             `json:"clients"`
}
