package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ManifestDocument is the on-disk form of a worker version: the bucket name
// and the asset paths precached into it. Editing the bucket name is how a new
// generation is rolled out.
type ManifestDocument struct {
	BucketName string   `koanf:"bucketName"`
	Manifest   []string `koanf:"manifest"`
}

// LoadManifest parses a YAML, JSON or TOML manifest document.
func LoadManifest(path string) (ManifestDocument, error) {
	if err := ensureFileExists(path); err != nil {
		return ManifestDocument{}, err
	}
	parser, err := parserFor(path)
	if err != nil {
		return ManifestDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return ManifestDocument{}, fmt.Errorf("config: load manifest from %s: %w", path, err)
	}
	var doc ManifestDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return ManifestDocument{}, fmt.Errorf("config: decode manifest from %s: %w", path, err)
	}
	doc.BucketName = strings.TrimSpace(doc.BucketName)
	if doc.BucketName == "" {
		return ManifestDocument{}, fmt.Errorf("config: manifest %s: bucketName required", path)
	}
	if err := validateManifest(doc.Manifest); err != nil {
		return ManifestDocument{}, fmt.Errorf("config: manifest %s: %w", path, err)
	}
	return doc, nil
}

// Apply overlays the document onto w. An empty manifest list in the document
// keeps whatever w already carries.
func (d ManifestDocument) Apply(w WorkerConfig) WorkerConfig {
	w.BucketName = d.BucketName
	if len(d.Manifest) > 0 {
		w.Manifest = append([]string(nil), d.Manifest...)
	}
	return w
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: manifest file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: manifest file %s: expected a file, found directory", path)
	}
	return nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported manifest file extension %s", ext)
	}
}
