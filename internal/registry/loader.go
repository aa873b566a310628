package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/lfedgeai/SPEAR-sub001/internal/common/fsutil"
	"github.com/lfedgeai/SPEAR-sub001/pkg/types"
)

// LoadFile decodes one artifact manifest based on its extension.
// Supports: .yaml/.yml, .json, .toml. A manifest without an id takes the
// file name without extension.
func LoadFile(path string) (types.ArtifactSpec, error) {
	var spec types.ArtifactSpec
	b, err := os.ReadFile(path)
	if err != nil {
		return spec, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &spec)
	case ".json":
		err = json.Unmarshal(b, &spec)
	case ".toml":
		err = toml.Unmarshal(b, &spec)
	default:
		return spec, fmt.Errorf("unsupported manifest extension: %s", ext)
	}
	if err != nil {
		return spec, fmt.Errorf("decode %s: %w", path, err)
	}
	if spec.ID == "" {
		spec.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return spec, nil
}

func isManifest(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json", ".toml":
		return true
	}
	return false
}

// LoadDir decodes every manifest in dir, sorted by file name. Files with
// other extensions and subdirectories are skipped.
func LoadDir(dir string) ([]types.ArtifactSpec, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	var specs []types.ArtifactSpec
	for _, e := range entries {
		if e.IsDir() || !isManifest(e.Name()) {
			continue
		}
		spec, err := LoadFile(filepath.Join(abs, e.Name()))
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Registrar accepts artifact specs; the execution manager implements it.
type Registrar interface {
	RegisterArtifact(spec types.ArtifactSpec) (types.ArtifactInfo, error)
}

// Preload registers every manifest in dir. Registration failures are logged
// and skipped; only an unreadable directory or manifest is fatal.
func Preload(r Registrar, dir string, logger zerolog.Logger) (int, error) {
	specs, err := LoadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, spec := range specs {
		if _, err := r.RegisterArtifact(spec); err != nil {
			logger.Warn().Err(err).Str("artifact_id", spec.ID).Msg("skipping artifact manifest")
			continue
		}
		n++
	}
	logger.Info().Str("dir", dir).Int("artifacts", n).Msg("artifact manifests loaded")
	return n, nil
}
