package lifecycle

import (
	"context"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Source tells which release should be serving.
type Source interface {
	Latest(ctx context.Context) (Config, error)
}

// ReleaseFileSource reads the release from a TOML file, re-read on every
// check so a deploy only has to replace the file.
type ReleaseFileSource struct {
	path string
}

func NewReleaseFileSource(path string) *ReleaseFileSource {
	return &ReleaseFileSource{path: path}
}

func (s *ReleaseFileSource) Latest(_ context.Context) (Config, error) {
	releaseBytes, err := os.ReadFile(s.path)
	if err != nil {
		return Config{}, fmt.Errorf("read release file: %w", err)
	}

	var release Config
	if _, err := toml.Decode(string(releaseBytes), &release); err != nil {
		return Config{}, fmt.Errorf("decode release file %s: %w", s.path, err)
	}
	if err := release.Validate(); err != nil {
		return Config{}, fmt.Errorf("release file %s: %w", s.path, err)
	}
	return release, nil
}

// StaticSource always reports the same release.
type StaticSource struct {
	Release Config
}

func (s StaticSource) Latest(_ context.Context) (Config, error) {
	return s.Release, nil
}
