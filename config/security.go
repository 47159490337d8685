package config

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Limits on what a config layer may contain.
const (
	maxConfigSize = 10 << 20
	maxJSONDepth  = 100
	maxEnvVarLen  = 10000
	maxPathLen    = 4096
)

// readConfigFile reads one layer. Relative paths must stay below the working directory;
// only regular .json, .yaml and .yml files under maxConfigSize are accepted.
func readConfigFile(path string) ([]byte, error) {
	switch {
	case path == "":
		return nil, stderrors.New("empty config path")
	case len(path) > maxPathLen:
		return nil, fmt.Errorf("config path too long: %d > %d", len(path), maxPathLen)
	case !filepath.IsAbs(path) && !filepath.IsLocal(path):
		return nil, fmt.Errorf("config path %s resolves outside the working directory", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file %s must be .json, .yaml or .yml", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("cannot stat config file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("config file %s is not a regular file", path)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file %s too large: %d bytes > %d", path, info.Size(), maxConfigSize)
	}

	return os.ReadFile(path)
}

// checkJSONDepth rejects documents nested deeper than maxJSONDepth before they are
// decoded into maps.
func checkJSONDepth(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("malformed JSON: %w", err)
		}

		delim, ok := tok.(json.Delim)
		if !ok {
			continue
		}
		switch delim {
		case '{', '[':
			depth++
			if depth > maxJSONDepth {
				return fmt.Errorf("JSON nesting too deep: more than %d levels", maxJSONDepth)
			}
		default:
			depth--
		}
	}
}

func checkEnvValue(key, value string) error {
	if len(value) > maxEnvVarLen {
		return fmt.Errorf("environment variable %s too long: %d > %d", key, len(value), maxEnvVarLen)
	}
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("null byte in environment variable %s", key)
	}
	return nil
}
