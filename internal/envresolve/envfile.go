package envresolve

import (
	"fmt"

	"github.com/joho/godotenv"
)

// LoadEnvFile parses a dotenv-style KEY=VALUE file at path, for the envFile
// overlay in a process's env merge (spec.md §4.5: config.env overlaid by
// envFile, then by options.env).
func LoadEnvFile(path string) (map[string]string, error) {
	vars, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("envresolve: read envFile %s: %w", path, err)
	}
	return vars, nil
}
