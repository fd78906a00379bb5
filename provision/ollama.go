package provision

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
)

const (
	// OllamaPrefix marks a model source resolved through a local ollama store.
	OllamaPrefix = "ollama:"

	defaultTag     = "latest"
	mediaTypeModel = "application/vnd.ollama.image.model"
)

type manifest struct {
	SchemaVersion int     `json:"schemaVersion"`
	Layers        []layer `json:"layers"`
}

type layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// OllamaDir returns the ollama model store: $OLLAMA_MODELS or ~/.ollama/models.
func OllamaDir() (string, error) {
	if env := os.Getenv("OLLAMA_MODELS"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ollama", "models"), nil
}

// ResolveOllamaModel returns the GGUF blob path for a model such as
// "qwen2.5-coder:0.5b". Names without a namespace use the library namespace
// of registry.ollama.ai.
func ResolveOllamaModel(name string) (string, error) {
	name, tag, ok := strings.Cut(name, ":")
	if !ok || tag == "" {
		tag = defaultTag
	}
	if name == "" {
		return "", fmt.Errorf("empty ollama model name")
	}
	repo := name
	if !strings.Contains(name, "/") {
		repo = filepath.Join("library", name)
	}

	base, err := OllamaDir()
	if err != nil {
		return "", err
	}
	manifestPath := filepath.Join(base, "manifests", "registry.ollama.ai", repo, tag)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("model manifest not found at %s", manifestPath)
		}
		return "", err
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("parse manifest %s: %w", manifestPath, err)
	}

	var digest string
	for _, l := range m.Layers {
		if l.MediaType == mediaTypeModel {
			digest = l.Digest
			break
		}
	}
	if digest == "" {
		return "", fmt.Errorf("no model layer in manifest %s", manifestPath)
	}

	// sha256:<hex> is stored as blobs/sha256-<hex>
	blob := filepath.Join(base, "blobs", strings.Replace(digest, ":", "-", 1))
	if _, err := os.Stat(blob); err != nil {
		return "", fmt.Errorf("model blob not found at %s", blob)
	}
	return blob, nil
}
