package process

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Config describes an external command that acts as a worker.
type Config struct {
	Name        string            `mapstructure:"name"`
	Command     string            `mapstructure:"command"`
	Args        []string          `mapstructure:"args"`
	Env         map[string]string `mapstructure:"env"`
	Dir         string            `mapstructure:"dir"`
	Requires    []string          `mapstructure:"requires"`
	Timeout     time.Duration     `mapstructure:"timeout"`
	Description string            `mapstructure:"description"`
}

// File is the structure of workers.yaml.
type File struct {
	Workers []Config `mapstructure:"workers"`
}

// LoadWorkers reads a workers file (YAML, or JSON by extension).
// A missing file means no process workers are configured.
func LoadWorkers(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read workers config: %w", err)
	}

	var raw map[string]any
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	var file File
	if err := Decode(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	seen := make(map[string]bool)
	var out []Config
	for _, c := range file.Workers {
		if c.Name == "" || c.Command == "" {
			return nil, fmt.Errorf("%s: worker entries need a name and a command", path)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("%s: duplicate worker %q", path, c.Name)
		}
		seen[c.Name] = true
		out = append(out, c)
	}
	return out, nil
}

// Decode maps a loosely typed document (a parsed file or a viper sub-tree)
// onto out. Durations may be written as strings such as "30s".
func Decode(raw any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}
