// Package packaging defines the HTTP contract between the orchestrator and
// the packaging worker, and the client used to call it.
package packaging

import "strings"

// Request asks the packaging worker to encrypt one source into a DASH
// output directory. Paths are relative to the shared media root.
type Request struct {
	InputPath  string `json:"inputPath"`
	OutputDir  string `json:"outputDir"`
	KeyID      string `json:"keyId"`
	ContentKey string `json:"contentKey"`
	// Compression is forwarded to the packaging command as COMPRESS=1.
	Compression bool `json:"compression,omitempty"`
}

// MissingFields returns the names of required fields that are empty.
func (r Request) MissingFields() []string {
	var missing []string
	if strings.TrimSpace(r.InputPath) == "" {
		missing = append(missing, "inputPath")
	}
	if strings.TrimSpace(r.OutputDir) == "" {
		missing = append(missing, "outputDir")
	}
	if strings.TrimSpace(r.KeyID) == "" {
		missing = append(missing, "keyId")
	}
	if strings.TrimSpace(r.ContentKey) == "" {
		missing = append(missing, "contentKey")
	}
	return missing
}

// Response statuses reported by the packaging worker.
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusTimeout = "timeout"
	StatusBusy    = "busy"
)

// Response is the packaging worker's reply. ManifestPath is set on success;
// Stdout/Stderr/ExitCode describe the command run; Error carries validation
// messages.
type Response struct {
	Status       string `json:"status,omitempty"`
	ManifestPath string `json:"manifestPath,omitempty"`
	Stdout       string `json:"stdout,omitempty"`
	Stderr       string `json:"stderr,omitempty"`
	ExitCode     *int   `json:"exitCode,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Error messages returned with HTTP 400.
const (
	ErrMessageMissingFields = "missing fields"
	ErrMessageInvalidJSON   = "invalid json"
	ErrMessageInvalidPath   = "invalid path"
	ErrMessageInvalidKey    = "invalid key material"
)
