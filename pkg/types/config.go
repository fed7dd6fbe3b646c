package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the CodePilot configuration file.
type Config struct {
	// Schema reference (for editor support)
	Schema string `json:"$schema,omitempty"`

	Server     ServerConfig     `json:"server"`
	Agent      AgentConfig      `json:"agent"`
	Stream     StreamConfig     `json:"stream"`
	Permission PermissionConfig `json:"permission"`
	Audit      AuditConfig      `json:"audit"`
	Log        LogConfig        `json:"log"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Hostname string `json:"hostname,omitempty"`
	Port     int    `json:"port,omitempty"`
	CORS     *bool  `json:"cors,omitempty"`
	// URL is the server a client (run/chat) talks to.
	URL string `json:"url,omitempty"`
}

// AgentConfig selects and configures the agent driven by /chat.
type AgentConfig struct {
	Kind       string   `json:"kind,omitempty"` // "claude" | "script"
	ScriptPath string   `json:"scriptPath,omitempty"`
	ClaudePath string   `json:"claudePath,omitempty"`
	Model      string   `json:"model,omitempty"`
	ExtraArgs  []string `json:"extraArgs,omitempty"`
}

// StreamConfig holds the turn supervision timings.
type StreamConfig struct {
	IdleTimeout      Duration `json:"idleTimeout,omitempty"`
	WatchdogInterval Duration `json:"watchdogInterval,omitempty"`
	ToolTimeout      Duration `json:"toolTimeout,omitempty"`
	RetryDelay       Duration `json:"retryDelay,omitempty"`
	GracePeriod      Duration `json:"gracePeriod,omitempty"`
	PermissionSettle Duration `json:"permissionSettle,omitempty"`
}

// PermissionConfig holds authorization settings.
type PermissionConfig struct {
	Timeout Duration `json:"timeout,omitempty"`
	Allow   []string `json:"allow,omitempty"` // e.g. "Bash(git status*)", "Read(src/**)"
	Deny    []string `json:"deny,omitempty"`
}

// AuditConfig selects the durable permission audit sink.
type AuditConfig struct {
	Driver string `json:"driver,omitempty"` // "file" | "sqlite"
	Path   string `json:"path,omitempty"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `json:"level,omitempty"`
	File  bool   `json:"file,omitempty"`
	Dir   string `json:"dir,omitempty"`
}

// Duration is a time.Duration encoded as a Go duration string ("330s").
// Bare JSON numbers are read as seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MarshalJSON encodes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts "90s"-style strings or a number of seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %v", raw)
	}
	return nil
}
