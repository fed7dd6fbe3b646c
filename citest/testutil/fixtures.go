package testutil

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultScript is the scenario document played by the test server's agent.
// Prompts are matched at the start; anything else is echoed.
const DefaultScript = `
scenarios:
  - name: list
    match: "(?i)^list files"
    steps:
      - text: "Listing files. "
      - tool_use: {id: t1, name: Bash, input: {command: ls}}
      - permission: {tool: Bash, id: t1, input: {command: ls}, reason: "runs a shell command"}
      - tool_result: {id: t1, content: "main.go\ngo.mod"}
      - text: "Found 2 files."
      - result: {input_tokens: 120, output_tokens: 14}
  - name: git
    match: "(?i)^git status"
    steps:
      - tool_use: {id: g1, name: Bash, input: {command: git status}}
      - permission: {tool: Bash, id: g1, input: {command: git status}}
      - tool_result: {id: g1, content: "nothing to commit"}
      - text: "Working tree clean."
  - name: wipe
    match: "(?i)^wipe"
    steps:
      - tool_use: {id: w1, name: Bash, input: {command: rm -rf build}}
      - permission: {tool: Bash, id: w1, input: {command: rm -rf build}}
      - tool_result: {id: w1, content: ""}
      - text: "Wiped."
  - name: explode
    match: "(?i)^explode"
    steps:
      - text: "Trying. "
      - error: "model overloaded"
  - name: stall
    match: "(?i)^stall"
    steps:
      - text: "Running the suite. "
      - tool_use: {id: s1, name: Bash, input: {command: go test ./...}}
      - progress: {tool: Bash, id: s1, elapsed: 90}
      - sleep: 10s
  - name: slow
    match: "(?i)^slow"
    steps:
      - text: "Thinking"
      - sleep: 300ms
      - text: "."
      - sleep: 300ms
      - text: "."
      - sleep: 300ms
      - text: "."
      - sleep: 300ms
      - text: " Done."
  - name: silent
    match: "(?i)^silent"
    steps:
      - text: "Hold on. "
      - sleep: 10s
  - name: mode
    match: "(?i)^plan"
    steps:
      - mode: plan
      - status: "Planning"
      - text: "Here is the plan."
  - name: echo
    steps:
      - text: "You said: {prompt}"
`

// SessionID returns a unique session id with the given prefix.
func SessionID(prefix string) string {
	return prefix + "-" + RandomString(12)
}

// RandomString generates a random string of n characters
func RandomString(n int) string {
	bytes := make([]byte, n/2+1)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)[:n]
}

// TempFile creates a temporary file with content
type TempFile struct {
	Path string
}

// NewTempFile creates a temp file with content
func NewTempFile(content string) (*TempFile, error) {
	dir := os.TempDir()
	name := fmt.Sprintf("codepilot-test-%s.txt", RandomString(8))
	path := filepath.Join(dir, name)

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return nil, err
	}

	return &TempFile{Path: path}, nil
}

// NewTempFileInDir creates a temp file in specific directory
func NewTempFileInDir(dir, content string) (*TempFile, error) {
	name := fmt.Sprintf("test-%s.txt", RandomString(8))
	path := filepath.Join(dir, name)

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return nil, err
	}

	return &TempFile{Path: path}, nil
}

// Read reads the file content
func (f *TempFile) Read() (string, error) {
	content, err := os.ReadFile(f.Path)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// Exists checks if the file exists
func (f *TempFile) Exists() bool {
	_, err := os.Stat(f.Path)
	return err == nil
}

// Cleanup removes the temp file
func (f *TempFile) Cleanup() {
	os.Remove(f.Path)
}

// TempDir creates a temporary directory
type TempDir struct {
	Path string
}

// NewTempDir creates a temp directory
func NewTempDir() (*TempDir, error) {
	path, err := os.MkdirTemp("", "codepilot-test-*")
	if err != nil {
		return nil, err
	}
	return &TempDir{Path: path}, nil
}

// CreateFile creates a file in the temp directory
func (d *TempDir) CreateFile(name, content string) (*TempFile, error) {
	path := filepath.Join(d.Path, name)

	// Create parent directories if needed
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return nil, err
	}

	return &TempFile{Path: path}, nil
}

// CreateSubDir creates a subdirectory
func (d *TempDir) CreateSubDir(name string) (string, error) {
	path := filepath.Join(d.Path, name)
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", err
	}
	return path, nil
}

// Cleanup removes the temp directory and all contents
func (d *TempDir) Cleanup() {
	os.RemoveAll(d.Path)
}

// ---- Test Session Manager ----

// SessionManager hands out session ids and clears them after a test.
type SessionManager struct {
	client   *TestClient
	sessions []string
}

// NewSessionManager creates a session manager
func NewSessionManager(client *TestClient) *SessionManager {
	return &SessionManager{
		client:   client,
		sessions: make([]string, 0),
	}
}

// New returns a fresh session id and tracks it for cleanup
func (m *SessionManager) New(prefix string) string {
	id := SessionID(prefix)
	m.sessions = append(m.sessions, id)
	return id
}

// Cleanup stops and clears every tracked session
func (m *SessionManager) Cleanup(ctx context.Context) {
	for _, id := range m.sessions {
		_ = m.client.StopTurn(ctx, id)
		_, _ = m.client.Delete(ctx, "/session/"+id)
	}
	m.sessions = m.sessions[:0]
}
