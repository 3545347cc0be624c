package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// source resolves a key from the process environment first, then from each
// layer in order.
type source struct {
	layers []map[string]string
	errs   []error
}

func (s *source) lookup(key string) (string, bool) {
	if value := os.Getenv(key); value != "" {
		return value, true
	}
	for _, layer := range s.layers {
		if value, ok := layer[key]; ok && value != "" {
			return value, true
		}
	}
	return "", false
}

// getEnvString gets a string value with default
func (s *source) getEnvString(key, defaultValue string) string {
	if value, ok := s.lookup(key); ok {
		return value
	}
	return defaultValue
}

func (s *source) getEnvInt(key string, defaultValue int) int {
	value, ok := s.lookup(key)
	if !ok {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("%s: %q is not an integer", key, value))
		return defaultValue
	}
	return intValue
}

func (s *source) getEnvInt64(key string, defaultValue int64) int64 {
	value, ok := s.lookup(key)
	if !ok {
		return defaultValue
	}
	intValue, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("%s: %q is not an integer", key, value))
		return defaultValue
	}
	return intValue
}

// getEnvDuration accepts Go durations ("90s", "10m") or a bare number of seconds.
func (s *source) getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, ok := s.lookup(key)
	if !ok {
		return defaultValue
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("%s: %q is not a duration", key, value))
		return defaultValue
	}
	return d
}

// readTOML flattens a TOML file into environment-style keys: [model] id = "x"
// becomes MODEL_ID.
func readTOML(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	ret := make(map[string]string)
	flatten("", doc, ret)
	return ret, nil
}

func flatten(prefix string, doc map[string]any, out map[string]string) {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := strings.ToUpper(k)
		if prefix != "" {
			name = prefix + "_" + name
		}
		switch v := doc[k].(type) {
		case map[string]any:
			flatten(name, v, out)
		default:
			out[name] = fmt.Sprint(v)
		}
	}
}

// readDotEnv loads path without touching the process environment. A missing
// file is not an error.
func readDotEnv(path string) (map[string]string, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	return values, nil
}
