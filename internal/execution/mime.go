package execution

import (
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// InferMime infers a mime type for a file: extension lookup first, magic
// byte sniffing as fallback when the extension is unknown.
func InferMime(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		// Strip parameters like "; charset=utf-8".
		if i := strings.IndexByte(t, ';'); i >= 0 {
			t = strings.TrimSpace(t[:i])
		}
		return t
	}
	if mt, err := mimetype.DetectFile(path); err == nil {
		return mt.String()
	}
	return "application/octet-stream"
}

// displayExtensions maps the mime types commonly produced as rich display
// payloads to their file extensions.
var displayExtensions = map[string]string{
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
	"image/gif":       ".gif",
	"image/svg+xml":   ".svg",
	"text/html":       ".html",
	"application/pdf": ".pdf",
	"text/plain":      ".txt",
}

// ExtensionForMime picks a file extension for a display payload.
func ExtensionForMime(mimeType string) string {
	if ext, ok := displayExtensions[mimeType]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
