// Package config provides configuration loading, merging, and path management for CodePilot.
//
// # Configuration Loading
//
// Load searches for configuration in priority order, later sources overriding
// earlier ones:
//
//  1. Global config ($CODEPILOT_CONFIG_DIR, else ~/.config/codepilot/)
//  2. Project config (<dir>/codepilot.json, <dir>/codepilot.jsonc)
//  3. Project config (<dir>/.codepilot/codepilot.json[c])
//  4. CODEPILOT_CONFIG file
//  5. CODEPILOT_CONFIG_CONTENT inline JSON
//  6. Environment variables
//
// Missing files are skipped; a malformed file fails the load.
//
// # Supported Formats
//
// Files may be plain JSON or JSONC (JSON with comments and trailing commas),
// processed using tidwall/jsonc.
//
// # Variable Interpolation
//
// Configuration values support two placeholders:
//   - {env:VAR_NAME} - Expands to environment variable values
//   - {file:path} - Expands to file contents (escaped for JSON)
//
// Relative {file:} paths resolve against the config file's directory, and ~/
// expands to the home directory.
//
// Example configuration:
//
//	{
//	  "server": { "port": 4096 },
//	  "agent": { "kind": "claude", "claudePath": "{env:CLAUDE_BIN}" },
//	  "stream": { "idleTimeout": "330s", "toolTimeout": "60s" },
//	  "permission": {
//	    "timeout": "5m",
//	    "allow": ["Read(**)", "Bash(git status*)"],
//	    "deny": ["Bash(rm -rf*)"]
//	  },
//	  "audit": { "driver": "sqlite" }
//	}
//
// # Configuration Merging
//
// Sections merge field by field. A non-zero scalar replaces the previous
// value and a present list replaces the previous list.
//
// # Path Management
//
// Paths follows the XDG Base Directory layout:
//   - Data: ~/.local/share/codepilot (XDG_DATA_HOME)
//   - Config: ~/.config/codepilot (XDG_CONFIG_HOME)
//   - Cache: ~/.cache/codepilot (XDG_CACHE_HOME)
//   - State: ~/.local/state/codepilot (XDG_STATE_HOME)
//
// On Windows, these paths are adapted to use APPDATA as appropriate.
//
// # Environment Variable Overrides
//
//   - CODEPILOT_PORT - server port
//   - CODEPILOT_AGENT - agent kind ("claude" or "script")
//   - CODEPILOT_LOG_LEVEL - log level
//   - CODEPILOT_AUDIT_DRIVER - audit driver ("file", "sqlite" or "none")
//   - CODEPILOT_CLAUDE_PATH - claude executable
//   - CODEPILOT_PERMISSION - permission section as JSON
package config
