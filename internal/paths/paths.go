package paths

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
)

// GetGlobalDir returns the root Cascade directory in the user's home (~/.cascade)
func GetGlobalDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cascade")
}

// GetWorkspaceHash returns a short SHA256 hash of the absolute workspace path
func GetWorkspaceHash(workspaceRoot string) string {
	abs, err := filepath.Abs(workspaceRoot)
	if err != nil {
		abs = workspaceRoot
	}
	hash := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(hash[:8])
}

// GetExecutionDir returns the global directory holding durable execution state
func GetExecutionDir() string {
	return filepath.Join(GetGlobalDir(), "executions")
}

// GetLogDir returns the global invocation log directory for a specific workspace
func GetLogDir(workspaceRoot string) string {
	hash := GetWorkspaceHash(workspaceRoot)
	return filepath.Join(GetGlobalDir(), "logs", hash)
}

// GetWorkflowDir returns the per-project workflow definition directory
func GetWorkflowDir(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, ".cascade", "workflows")
}

// EnsureDir creates the directory and all parents if they don't exist
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}
