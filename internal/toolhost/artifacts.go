package toolhost

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// Sanitization thresholds, in UTF-8 bytes.
const (
	externalizeThreshold = 24_000
	inlinePreviewBytes   = 12_000
	hashMaxBytes         = 5 * 1024 * 1024
)

// Artifact describes an externalized oversize field.
type Artifact struct {
	Field  string `json:"field"` // "stdout" or "stderr"
	Path   string `json:"path"`  // relative to the artifacts root
	URI    string `json:"uri"`
	Bytes  int    `json:"bytes"`
	SHA256 string `json:"sha256,omitempty"`
}

// Ref returns the artifact reference form embedded in model-visible text.
func (a Artifact) Ref() string {
	return "<" + a.URI + ">"
}

// ArtifactURI builds the stable URI for a path relative to the artifacts root.
func ArtifactURI(relPath string) string {
	return "eclia://artifact/" + url.PathEscape(relPath)
}

// Sanitizer externalizes oversize exec output into artifact files under
// <root>/.eclia/artifacts/<session>/.
type Sanitizer struct {
	Root string
}

// SanitizeResult post-processes a raw tool result for a given call. Only
// exec_result payloads are rewritten; anything else passes through verbatim.
func (s *Sanitizer) SanitizeResult(sessionID, callID string, raw json.RawMessage) json.RawMessage {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.Type != "exec_result" {
		return raw
	}
	var result ExecResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return raw
	}

	changed := false
	if len(result.Stdout) > externalizeThreshold {
		if art, preview, ok := s.externalize(sessionID, callID, "stdout", result.Stdout); ok {
			result.Stdout = preview
			result.Artifacts = append(result.Artifacts, art)
			changed = true
		}
	}
	if len(result.Stderr) > externalizeThreshold {
		if art, preview, ok := s.externalize(sessionID, callID, "stderr", result.Stderr); ok {
			result.Stderr = preview
			result.Artifacts = append(result.Artifacts, art)
			changed = true
		}
	}
	if !changed {
		return raw
	}

	data, err := json.Marshal(&result)
	if err != nil {
		return raw
	}
	return data
}

// externalize writes the full field to an artifact file and returns the
// descriptor plus the truncated inline preview.
func (s *Sanitizer) externalize(sessionID, callID, field, value string) (Artifact, string, bool) {
	dir := filepath.Join(s.Root, ".eclia", "artifacts", sessionID)
	if err := os.MkdirAll(dir, 0750); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("failed to create artifacts dir")
		return Artifact{}, "", false
	}

	name := fmt.Sprintf("%s_%s.txt", callID, field)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(value), 0640); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to write artifact")
		return Artifact{}, "", false
	}

	rel := filepath.ToSlash(filepath.Join(sessionID, name))
	art := Artifact{
		Field: field,
		Path:  rel,
		URI:   ArtifactURI(rel),
		Bytes: len(value),
	}
	if len(value) <= hashMaxBytes {
		sum := sha256.Sum256([]byte(value))
		art.SHA256 = hex.EncodeToString(sum[:])
	}

	preview := string(trimToUTF8Boundary([]byte(value[:inlinePreviewBytes])))
	preview += fmt.Sprintf("…[truncated, full saved to %s]", art.Ref())

	log.Info().Str("session", sessionID).Str("call", callID).Str("field", field).
		Int("bytes", art.Bytes).Msg("externalized oversize tool output")
	return art, preview, true
}

// ResolveArtifactPath validates a request path and maps it under the
// artifacts root. Escaping paths are rejected.
func ResolveArtifactPath(root, reqPath string) (string, error) {
	base := filepath.Join(root, ".eclia", "artifacts")
	resolved := filepath.Join(base, filepath.FromSlash(reqPath))
	rel, err := filepath.Rel(base, resolved)
	if err != nil || rel == ".." || len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator) {
		return "", fmt.Errorf("path %q escapes the artifacts root", reqPath)
	}
	return resolved, nil
}
