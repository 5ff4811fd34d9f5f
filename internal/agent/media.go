package agent

import (
	"encoding/base64"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/halogate/halogate/internal/providers"
)

const (
	// maxInlineImageBytes caps what gets base64-inlined into a prompt; a
	// bigger file costs more tokens than any vision answer is worth.
	maxInlineImageBytes = 10 * 1024 * 1024
	// maxInlineImages caps how many attachments one turn inlines.
	maxInlineImages = 4
)

// inlineImages reads downloaded attachment files and returns the ones that
// are images, base64-encoded for the provider request. Content type comes
// from sniffing the bytes, not the filename — channel downloads regularly
// arrive with generic or missing extensions. Anything unreadable, oversized,
// or non-image is skipped with a log line.
func inlineImages(paths []string) []providers.ImageContent {
	var images []providers.ImageContent
	for _, p := range paths {
		if len(images) >= maxInlineImages {
			slog.Warn("vision: attachment limit reached, skipping remainder",
				"limit", maxInlineImages, "skipped", len(paths)-len(images))
			break
		}

		data, err := os.ReadFile(p)
		if err != nil {
			slog.Warn("vision: attachment unreadable", "path", p, "error", err)
			continue
		}
		if len(data) > maxInlineImageBytes {
			slog.Warn("vision: attachment too large to inline", "path", p, "size", len(data))
			continue
		}

		mime := sniffImageMime(data)
		if mime == "" {
			continue // not an image; other media kinds ride as text tags
		}

		images = append(images, providers.ImageContent{
			MimeType: mime,
			Data:     base64.StdEncoding.EncodeToString(data),
		})
	}
	return images
}

// sniffImageMime detects supported image formats from content, returning ""
// for anything that isn't an image the providers accept.
func sniffImageMime(data []byte) string {
	mime := http.DetectContentType(data)
	switch {
	case strings.HasPrefix(mime, "image/jpeg"),
		strings.HasPrefix(mime, "image/png"),
		strings.HasPrefix(mime, "image/gif"),
		strings.HasPrefix(mime, "image/webp"):
		return mime
	default:
		return ""
	}
}
