package plots

import (
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// DecodePayload turns a plot payload delivery into raw bytes and a MIME
// type. The payload is an inline base64 image, a data: URI, or a
// filesystem/file:// path that the host reads itself.
func DecodePayload(payload string) ([]byte, string, error) {
	switch {
	case strings.HasPrefix(payload, "data:"):
		return decodeDataURI(payload)
	case strings.HasPrefix(payload, "file://"):
		return readPlotFile(strings.TrimPrefix(payload, "file://"))
	case looksLikePath(payload):
		return readPlotFile(payload)
	default:
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, "", fmt.Errorf("decode inline payload: %w", err)
		}
		return data, "image/png", nil
	}
}

// decodeDataURI parses data:<mime>;base64,<payload>.
func decodeDataURI(uri string) ([]byte, string, error) {
	rest := strings.TrimPrefix(uri, "data:")
	meta, encoded, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", fmt.Errorf("malformed data URI")
	}

	mimeType := strings.TrimSuffix(meta, ";base64")
	if mimeType == "" {
		mimeType = "image/png"
	}
	if !strings.HasSuffix(meta, ";base64") {
		// Percent-encoded payloads do not occur in practice; plain text
		// passes through untouched.
		return []byte(encoded), mimeType, nil
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, "", fmt.Errorf("decode data URI: %w", err)
	}
	return data, mimeType, nil
}

// readPlotFile reads a plot the kernel rendered to disk and infers the
// MIME type from the extension.
func readPlotFile(path string) ([]byte, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read plot file: %w", err)
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "image/png"
	}
	return data, mimeType, nil
}

// looksLikePath distinguishes filesystem paths from inline base64. Only
// absolute or explicitly relative paths that exist on disk count as files;
// anything else decodes as base64.
func looksLikePath(payload string) bool {
	if !strings.HasPrefix(payload, "/") && !strings.HasPrefix(payload, "./") {
		return false
	}
	_, err := os.Stat(payload)
	return err == nil
}
