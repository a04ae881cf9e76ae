package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"

	"github.com/joho/godotenv"
)

// LoadEnv loads dotenv files into the process environment. Missing files are
// skipped and variables already set in the environment win.
func LoadEnv(paths ...string) error {
	return eachEnvFile(paths, godotenv.Load)
}

// reloadEnv re-reads dotenv files after a change. Values from the files
// replace what an earlier load put in the environment.
func reloadEnv(paths ...string) error {
	return eachEnvFile(paths, godotenv.Overload)
}

func eachEnvFile(paths []string, load func(...string) error) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := load(p); err != nil {
			return fmt.Errorf("env %s: %w", p, err)
		}
	}
	return nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// expandEnv replaces ${VAR} and ${VAR:-default} references. Bare $VAR is left
// alone so passwords containing '$' survive.
func expandEnv(b []byte) []byte {
	return envRef.ReplaceAllFunc(b, func(m []byte) []byte {
		sub := envRef.FindSubmatch(m)
		if v, ok := os.LookupEnv(string(sub[1])); ok && v != "" {
			return []byte(v)
		}
		return sub[2]
	})
}
