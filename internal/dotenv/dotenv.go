// Package dotenv loads KEY=VALUE pairs from .env-style files into the
// process environment without overriding variables that are already set.
package dotenv

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// DefaultFile is the file Load looks for in the working directory.
const DefaultFile = ".env"

// Load applies DefaultFile from the current directory. A missing file is
// not an error.
func Load() error {
	return LoadFile(DefaultFile)
}

// LoadFile reads path and sets every parsed pair that is not already
// present in the environment. A missing file is not an error.
func LoadFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open env file %q: %w", path, err)
	}
	defer file.Close()

	pairs, err := Parse(file)
	if err != nil {
		return fmt.Errorf("parse env file %q: %w", path, err)
	}
	for _, kv := range pairs {
		if _, exists := os.LookupEnv(kv.Key); exists {
			continue
		}
		if err := os.Setenv(kv.Key, kv.Value); err != nil {
			return fmt.Errorf("set env %q from %q: %w", kv.Key, path, err)
		}
	}
	return nil
}

// Pair is one KEY=VALUE entry in file order.
type Pair struct {
	Key   string
	Value string
}

// Parse reads dotenv lines from r. Blank lines and #-comments are
// skipped, a leading "export " is stripped, and values wrapped in a
// matched pair of single or double quotes are unquoted. Lines without
// an = or with an empty key are ignored.
func Parse(r io.Reader) ([]Pair, error) {
	var pairs []Pair
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, rawVal, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		pairs = append(pairs, Pair{Key: key, Value: unquote(strings.TrimSpace(rawVal))})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return pairs, nil
}

func unquote(val string) string {
	if len(val) < 2 {
		return val
	}
	if (val[0] == '"' && val[len(val)-1] == '"') || (val[0] == '\'' && val[len(val)-1] == '\'') {
		return val[1 : len(val)-1]
	}
	return val
}
