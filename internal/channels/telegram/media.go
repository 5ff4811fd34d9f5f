package telegram

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/mymmrac/telego"
)

const (
	// telegramFileAPILimit is the Bot API's own download ceiling.
	telegramFileAPILimit int64 = 20 * 1024 * 1024

	downloadMaxRetries = 3

	// docMaxChars caps how much of a text document gets inlined into the
	// model's context.
	docMaxChars = 200_000
)

// MediaInfo describes one attachment pulled off an inbound message.
type MediaInfo struct {
	Type        string // "image", "video", "audio", "voice", "document", "animation"
	FilePath    string // local path after download; empty when only metadata was kept
	FileID      string
	ContentType string
	FileName    string
	FileSize    int64
	Transcript  string // filled in by STT for audio/voice
}

// mediaKind pairs a message field with how its attachment is handled:
// download fetches the bytes now, reencode scrubs images before the vision
// path sees them.
type mediaKind struct {
	kind     string
	download bool
	reencode bool
}

// resolveMedia extracts every attachment on msg, downloading the kinds the
// pipeline consumes locally (images for vision, audio/voice for STT,
// documents for text extraction). Video stays metadata-only: nothing
// downstream plays it, so pulling megabytes would be waste.
func (c *Channel) resolveMedia(ctx context.Context, msg *telego.Message) []MediaInfo {
	maxBytes := c.config.MediaMaxBytes
	if maxBytes <= 0 || maxBytes > telegramFileAPILimit {
		maxBytes = telegramFileAPILimit
	}

	var results []MediaInfo
	add := func(info MediaInfo, spec mediaKind) {
		if spec.download && info.FileID != "" {
			path, err := c.downloadMedia(ctx, info.FileID, maxBytes)
			if err != nil {
				slog.Warn("telegram media download failed",
					"kind", spec.kind, "file_id", info.FileID, "error", err)
				return
			}
			if spec.reencode {
				if clean, err := reencodeImage(path); err == nil {
					path = clean
				} else {
					slog.Warn("telegram image re-encode failed, using original", "error", err)
				}
			}
			info.FilePath = path
		}
		info.Type = spec.kind
		results = append(results, info)
	}

	if len(msg.Photo) > 0 {
		// Telegram sends every resolution; the last entry is the largest.
		photo := msg.Photo[len(msg.Photo)-1]
		add(MediaInfo{FileID: photo.FileID, ContentType: "image/jpeg", FileSize: int64(photo.FileSize)},
			mediaKind{kind: "image", download: true, reencode: true})
	}
	if msg.Video != nil {
		add(MediaInfo{FileID: msg.Video.FileID, ContentType: msg.Video.MimeType,
			FileName: msg.Video.FileName, FileSize: int64(msg.Video.FileSize)},
			mediaKind{kind: "video"})
	}
	if msg.VideoNote != nil {
		add(MediaInfo{FileID: msg.VideoNote.FileID, ContentType: "video/mp4",
			FileSize: int64(msg.VideoNote.FileSize)},
			mediaKind{kind: "video"})
	}
	if msg.Animation != nil {
		add(MediaInfo{FileID: msg.Animation.FileID, ContentType: msg.Animation.MimeType,
			FileName: msg.Animation.FileName, FileSize: int64(msg.Animation.FileSize)},
			mediaKind{kind: "animation"})
	}
	if msg.Audio != nil {
		add(MediaInfo{FileID: msg.Audio.FileID, ContentType: msg.Audio.MimeType,
			FileName: msg.Audio.FileName, FileSize: int64(msg.Audio.FileSize)},
			mediaKind{kind: "audio", download: true})
	}
	if msg.Voice != nil {
		add(MediaInfo{FileID: msg.Voice.FileID, ContentType: msg.Voice.MimeType,
			FileSize: int64(msg.Voice.FileSize)},
			mediaKind{kind: "voice", download: true})
	}
	if msg.Document != nil {
		add(MediaInfo{FileID: msg.Document.FileID, ContentType: msg.Document.MimeType,
			FileName: msg.Document.FileName, FileSize: int64(msg.Document.FileSize)},
			mediaKind{kind: "document", download: true})
	}

	return results
}

// downloadMedia fetches one file by file_id into a temp file, bounded by
// maxBytes. GetFile is retried with linear backoff; the byte download is
// not, since a broken body read rarely heals on immediate retry.
func (c *Channel) downloadMedia(ctx context.Context, fileID string, maxBytes int64) (string, error) {
	var file *telego.File
	var err error
	for attempt := 1; attempt <= downloadMaxRetries; attempt++ {
		file, err = c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		if err == nil {
			break
		}
		if attempt < downloadMaxRetries {
			slog.Debug("telegram GetFile retry", "file_id", fileID, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	if err != nil {
		return "", fmt.Errorf("get file info after %d attempts: %w", downloadMaxRetries, err)
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for file_id %s", fileID)
	}
	if int64(file.FileSize) > maxBytes {
		return "", fmt.Errorf("file too large: %d bytes (max %d)", file.FileSize, maxBytes)
	}

	downloadURL := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.config.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	ext := filepath.Ext(file.FilePath)
	if ext == "" {
		ext = ".bin"
	}
	tmpFile, err := os.CreateTemp("", "halogate_media_*"+ext)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer tmpFile.Close()

	written, err := io.Copy(tmpFile, io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("save file: %w", err)
	}
	if written > maxBytes {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("file exceeds max size during download: %d bytes", written)
	}
	return tmpFile.Name(), nil
}

// reencodeImage decodes an inbound image and writes a fresh JPEG next to
// it. Re-encoding drops metadata and any non-image trailing bytes before
// the file reaches the vision pipeline.
func reencodeImage(path string) (string, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}

	clean := strings.TrimSuffix(path, filepath.Ext(path)) + "_clean.jpg"
	if err := os.WriteFile(clean, buf.Bytes(), 0600); err != nil {
		return "", err
	}
	os.Remove(path)
	return clean, nil
}

// buildMediaTags renders the attachment tags prepended to the user text so
// the model knows what arrived. Transcribed audio/voice embeds its
// transcript; everything else is a bare marker.
func buildMediaTags(mediaList []MediaInfo) string {
	var tags []string
	for _, m := range mediaList {
		tag := m.Type
		if tag == "animation" {
			tag = "video"
		}
		switch {
		case (m.Type == "audio" || m.Type == "voice") && m.Transcript != "":
			tags = append(tags, fmt.Sprintf("<media:%s>\n<transcript>%s</transcript>",
				tag, html.EscapeString(m.Transcript)))
		case m.Type == "image" || m.Type == "video" || m.Type == "animation" ||
			m.Type == "audio" || m.Type == "voice" || m.Type == "document":
			tags = append(tags, "<media:"+tag+">")
		}
	}
	return strings.Join(tags, "\n")
}

// --- Document text extraction ---

// textExtensions maps file extensions to MIME types for documents whose
// content can be inlined as text.
var textExtensions = map[string]string{
	".txt":  "text/plain",
	".md":   "text/markdown",
	".csv":  "text/csv",
	".tsv":  "text/tab-separated-values",
	".json": "application/json",
	".yaml": "text/yaml",
	".yml":  "text/yaml",
	".xml":  "text/xml",
	".log":  "text/plain",
	".ini":  "text/plain",
	".cfg":  "text/plain",
	".env":  "text/plain",
	".sh":   "text/x-shellscript",
	".py":   "text/x-python",
	".go":   "text/x-go",
	".js":   "text/javascript",
	".ts":   "text/typescript",
	".html": "text/html",
	".css":  "text/css",
	".sql":  "text/x-sql",
	".rs":   "text/x-rust",
	".java": "text/x-java",
	".c":    "text/x-c",
	".cpp":  "text/x-c++",
	".h":    "text/x-c",
	".rb":   "text/x-ruby",
	".php":  "text/x-php",
	".toml": "text/x-toml",
}

// extractDocumentContent inlines a text document's content in an escaped
// <file> block, truncated at docMaxChars. Binary formats and failed
// downloads come back as placeholder lines rather than errors so the
// message still reaches the agent.
func extractDocumentContent(filePath, fileName string) (string, error) {
	if filePath == "" {
		return fmt.Sprintf("[File: %s — download failed]", fileName), nil
	}

	ext := strings.ToLower(filepath.Ext(fileName))
	mime, isText := textExtensions[ext]
	if !isText {
		return fmt.Sprintf("[File: %s — binary format not supported, only text files can be processed]", fileName), nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("read file %s: %w", fileName, err)
	}

	content := string(data)
	if len(content) > docMaxChars {
		content = content[:docMaxChars] + "\n... [truncated]"
	}

	// Escape so document text can't fake message structure.
	return fmt.Sprintf("<file name=%q mime=%q>\n%s\n</file>", fileName, mime, html.EscapeString(content)), nil
}
