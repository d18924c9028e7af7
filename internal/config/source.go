package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// source resolves settings from the environment first and then from the
// optional TOML file. File keys map to variable names by joining the table
// path with "_" and upper-casing: [speech] app_id -> SPEECH_APP_ID.
type source struct {
	file map[string]string
}

func newSource() (*source, error) {
	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		return &source{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return parseSource(data)
}

func parseSource(data []byte) (*source, error) {
	var tree map[string]any
	if err := toml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	src := &source{file: make(map[string]string)}
	flatten("", tree, src.file)
	return src, nil
}

func flatten(prefix string, tree map[string]any, out map[string]string) {
	for key, value := range tree {
		name := strings.ToUpper(key)
		if prefix != "" {
			name = prefix + "_" + name
		}
		switch v := value.(type) {
		case map[string]any:
			flatten(name, v, out)
		case string:
			out[name] = v
		default:
			out[name] = fmt.Sprint(v)
		}
	}
}

func (s *source) lookup(key string) (string, bool) {
	if raw, ok := os.LookupEnv(key); ok {
		if value := strings.TrimSpace(raw); value != "" {
			return value, true
		}
	}
	if s == nil || s.file == nil {
		return "", false
	}
	value, ok := s.file[strings.ToUpper(key)]
	value = strings.TrimSpace(value)
	return value, ok && value != ""
}

func (s *source) getOrDefault(key, defaultValue string) string {
	if value, ok := s.lookup(key); ok {
		return value
	}
	return defaultValue
}

func (s *source) boolOrDefault(key string, defaultValue bool) (bool, error) {
	raw, ok := s.lookup(key)
	if !ok {
		return defaultValue, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func (s *source) optionalFloat(key string) (*float64, error) {
	raw, ok := s.lookup(key)
	if !ok {
		return nil, nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return &val, nil
}

func (s *source) optionalFloat32(key string) (*float32, error) {
	raw, ok := s.lookup(key)
	if !ok {
		return nil, nil
	}
	val, err := strconv.ParseFloat(raw, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	result := float32(val)
	return &result, nil
}

func (s *source) optionalInt(key string) (*int, error) {
	raw, ok := s.lookup(key)
	if !ok {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return &val, nil
}

func (s *source) intOrDefault(key string, defaultValue int) (int, error) {
	val, err := s.optionalInt(key)
	if err != nil || val == nil {
		return defaultValue, err
	}
	return *val, nil
}

func (s *source) floatOrDefault(key string, defaultValue float64) (float64, error) {
	val, err := s.optionalFloat(key)
	if err != nil || val == nil {
		return defaultValue, err
	}
	return *val, nil
}

// duration accepts Go duration strings ("300s", "5m") or plain seconds.
func (s *source) duration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw, ok := s.lookup(key)
	if !ok {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return d, nil
}
