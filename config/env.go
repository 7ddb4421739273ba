package config

import (
	"os"
	"regexp"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadDotEnv loads a .env file from the working directory into the
// process environment, without overriding variables already set. A missing
// file is not an error.
func LoadDotEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		// Malformed .env files are skipped, not fatal: the YAML config
		// still loads against the ambient environment.
		return
	}
}

// expandEnvVars replaces ${VAR} references with the variable's value.
// Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

// ExpandEnvVarsInData walks a decoded YAML/JSON value and expands ${VAR}
// references in every string leaf.
func ExpandEnvVarsInData(data any) any {
	switch v := data.(type) {
	case string:
		return expandEnvVars(v)
	case map[string]any:
		result := make(map[string]any, len(v))
		for key, value := range v {
			result[key] = ExpandEnvVarsInData(value)
		}
		return result
	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			result[i] = ExpandEnvVarsInData(item)
		}
		return result
	default:
		return data
	}
}

// expandEnvInYAML expands ${VAR} references inside raw YAML at the data
// level, so expansion only touches string values and never YAML
// structure.
func expandEnvInYAML(raw []byte) ([]byte, error) {
	var data map[string]any
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	if data == nil {
		return raw, nil
	}
	expanded := ExpandEnvVarsInData(data)
	return yaml.Marshal(expanded)
}
