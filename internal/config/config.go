package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/xuxu777xu/CodePilot-sub000/internal/logging"
	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// Load loads configuration from multiple sources (priority order):
// 1. Global config ($CODEPILOT_CONFIG_DIR or ~/.config/codepilot/)
// 2. Project config (<dir>/codepilot.json[c])
// 3. Project config (<dir>/.codepilot/)
// 4. CODEPILOT_CONFIG file
// 5. CODEPILOT_CONFIG_CONTENT inline JSON
// 6. Environment variables
//
// Missing files are skipped. A file that exists but cannot be parsed is an error.
func Load(directory string) (*types.Config, error) {
	config := &types.Config{}

	// Track loaded files to avoid duplicates
	loaded := make(map[string]bool)

	loadOnce := func(path string, baseDir string) error {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil
		}
		if loaded[absPath] {
			return nil
		}
		err = loadConfigFile(path, config, baseDir)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("config %s: %w", path, err)
		}
		loaded[absPath] = true
		logging.Debug().Str("path", absPath).Msg("Loaded config file")
		return nil
	}

	var candidates [][2]string

	globalPath := GetConfigDir()
	candidates = append(candidates,
		[2]string{filepath.Join(globalPath, "codepilot.json"), globalPath},
		[2]string{filepath.Join(globalPath, "codepilot.jsonc"), globalPath},
	)

	if directory != "" {
		projectConfigDir := filepath.Join(directory, ".codepilot")
		candidates = append(candidates,
			[2]string{filepath.Join(directory, "codepilot.json"), directory},
			[2]string{filepath.Join(directory, "codepilot.jsonc"), directory},
			[2]string{filepath.Join(projectConfigDir, "codepilot.json"), projectConfigDir},
			[2]string{filepath.Join(projectConfigDir, "codepilot.jsonc"), projectConfigDir},
		)
	}

	if configPath := os.Getenv("CODEPILOT_CONFIG"); configPath != "" {
		candidates = append(candidates, [2]string{configPath, filepath.Dir(configPath)})
	}

	for _, c := range candidates {
		if err := loadOnce(c[0], c[1]); err != nil {
			return nil, err
		}
	}

	if configContent := os.Getenv("CODEPILOT_CONFIG_CONTENT"); configContent != "" {
		var inlineConfig types.Config
		data := interpolate(jsonc.ToJSON([]byte(configContent)), directory)
		if err := json.Unmarshal(data, &inlineConfig); err != nil {
			return nil, fmt.Errorf("CODEPILOT_CONFIG_CONTENT: %w", err)
		}
		mergeConfig(config, &inlineConfig)
	}

	// Environment variables (highest priority)
	if err := applyEnvOverrides(config); err != nil {
		return nil, err
	}

	return config, nil
}

// loadConfigFile loads a single config file with interpolation support.
func loadConfigFile(path string, config *types.Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = jsonc.ToJSON(data)
	data = interpolate(data, baseDir)

	var fileConfig types.Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(config, &fileConfig)
	return nil
}

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := string(data)

	str = envPattern.ReplaceAllStringFunc(str, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]

		if strings.HasPrefix(filePath, "~/") {
			filePath = filepath.Join(os.Getenv("HOME"), filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match // Keep original if file not found
		}

		// Escape for JSON string; the placeholder sits inside quotes.
		quoted, _ := json.Marshal(strings.TrimRight(string(content), "\n"))
		return string(quoted[1 : len(quoted)-1])
	})

	return []byte(str)
}

// mergeConfig merges source config into target. Zero values in source leave
// target untouched; lists replace.
func mergeConfig(target, source *types.Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}

	// Server
	if source.Server.Hostname != "" {
		target.Server.Hostname = source.Server.Hostname
	}
	if source.Server.Port != 0 {
		target.Server.Port = source.Server.Port
	}
	if source.Server.CORS != nil {
		target.Server.CORS = source.Server.CORS
	}
	if source.Server.URL != "" {
		target.Server.URL = source.Server.URL
	}

	// Agent
	if source.Agent.Kind != "" {
		target.Agent.Kind = source.Agent.Kind
	}
	if source.Agent.ScriptPath != "" {
		target.Agent.ScriptPath = source.Agent.ScriptPath
	}
	if source.Agent.ClaudePath != "" {
		target.Agent.ClaudePath = source.Agent.ClaudePath
	}
	if source.Agent.Model != "" {
		target.Agent.Model = source.Agent.Model
	}
	if source.Agent.ExtraArgs != nil {
		target.Agent.ExtraArgs = source.Agent.ExtraArgs
	}

	// Stream timings
	mergeDuration(&target.Stream.IdleTimeout, source.Stream.IdleTimeout)
	mergeDuration(&target.Stream.WatchdogInterval, source.Stream.WatchdogInterval)
	mergeDuration(&target.Stream.ToolTimeout, source.Stream.ToolTimeout)
	mergeDuration(&target.Stream.RetryDelay, source.Stream.RetryDelay)
	mergeDuration(&target.Stream.GracePeriod, source.Stream.GracePeriod)
	mergeDuration(&target.Stream.PermissionSettle, source.Stream.PermissionSettle)

	// Permission
	mergeDuration(&target.Permission.Timeout, source.Permission.Timeout)
	if source.Permission.Allow != nil {
		target.Permission.Allow = source.Permission.Allow
	}
	if source.Permission.Deny != nil {
		target.Permission.Deny = source.Permission.Deny
	}

	// Audit
	if source.Audit.Driver != "" {
		target.Audit.Driver = source.Audit.Driver
	}
	if source.Audit.Path != "" {
		target.Audit.Path = source.Audit.Path
	}

	// Log
	if source.Log.Level != "" {
		target.Log.Level = source.Log.Level
	}
	if source.Log.File {
		target.Log.File = true
	}
	if source.Log.Dir != "" {
		target.Log.Dir = source.Log.Dir
	}
}

func mergeDuration(target *types.Duration, source types.Duration) {
	if source != 0 {
		*target = source
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *types.Config) error {
	if port := os.Getenv("CODEPILOT_PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n < 0 || n > 65535 {
			return fmt.Errorf("CODEPILOT_PORT: invalid port %q", port)
		}
		config.Server.Port = n
	}

	if kind := os.Getenv("CODEPILOT_AGENT"); kind != "" {
		config.Agent.Kind = kind
	}

	if level := os.Getenv("CODEPILOT_LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}

	if driver := os.Getenv("CODEPILOT_AUDIT_DRIVER"); driver != "" {
		config.Audit.Driver = driver
	}

	if path := os.Getenv("CODEPILOT_CLAUDE_PATH"); path != "" {
		config.Agent.ClaudePath = path
	}

	// Permission override (JSON)
	if permJSON := os.Getenv("CODEPILOT_PERMISSION"); permJSON != "" {
		var perm types.PermissionConfig
		if err := json.Unmarshal([]byte(permJSON), &perm); err != nil {
			return fmt.Errorf("CODEPILOT_PERMISSION: %w", err)
		}
		config.Permission = perm
	}
	return nil
}

// Save saves the configuration to a file.
func Save(config *types.Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetConfigDir returns the config directory to use.
// Prefers CODEPILOT_CONFIG_DIR, then the XDG location.
func GetConfigDir() string {
	if dir := os.Getenv("CODEPILOT_CONFIG_DIR"); dir != "" {
		return dir
	}
	return GetPaths().Config
}
