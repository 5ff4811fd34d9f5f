package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	defaultSTTTimeout  = 30 * time.Second
	sttEndpointPath    = "/transcribe_audio"
	sttMaxResponseSize = 1 << 20
)

// sttHTTPClient is shared across transcriptions so connections get reused;
// per-request deadlines come from the context, not the client.
var (
	sttClientOnce sync.Once
	sttHTTPClient *http.Client
)

func sttClient() *http.Client {
	sttClientOnce.Do(func() {
		sttHTTPClient = &http.Client{}
	})
	return sttHTTPClient
}

// transcribeAudio sends a downloaded voice/audio file to the configured
// speech-to-text proxy and returns the transcript. Unconfigured STT and an
// empty file path (a failed download upstream) both return ("", nil) so the
// message pipeline degrades to a plain media tag instead of erroring.
func (c *Channel) transcribeAudio(ctx context.Context, filePath string) (string, error) {
	if c.config.STTProxyURL == "" || filePath == "" {
		return "", nil
	}

	timeout := time.Duration(c.config.STTTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultSTTTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := c.buildSTTRequest(reqCtx, filePath)
	if err != nil {
		return "", err
	}

	slog.Debug("telegram stt request", "url", req.URL.String(), "file", filepath.Base(filePath))

	resp, err := sttClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("stt: request failed: %w", err)
	}
	defer resp.Body.Close()

	return parseSTTResponse(resp)
}

// buildSTTRequest assembles the multipart upload: the audio bytes under
// "file", plus the optional tenant routing field.
func (c *Channel) buildSTTRequest(ctx context.Context, filePath string) (*http.Request, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("stt: open audio %q: %w", filePath, err)
	}
	defer f.Close()

	var body bytes.Buffer
	form := multipart.NewWriter(&body)

	part, err := form.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return nil, fmt.Errorf("stt: form file field: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("stt: copy audio into form: %w", err)
	}
	if c.config.STTTenantID != "" {
		if err := form.WriteField("tenant_id", c.config.STTTenantID); err != nil {
			return nil, fmt.Errorf("stt: tenant field: %w", err)
		}
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("stt: finalize form: %w", err)
	}

	url := c.config.STTProxyURL + sttEndpointPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, fmt.Errorf("stt: build request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	if c.config.STTAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.STTAPIKey)
	}
	return req, nil
}

// parseSTTResponse decodes the proxy reply. Both "transcript" and "text"
// response keys are accepted since proxies differ on which they emit.
func parseSTTResponse(resp *http.Response) (string, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, sttMaxResponseSize))
	if err != nil {
		return "", fmt.Errorf("stt: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("stt: upstream returned %d: %s", resp.StatusCode, body)
	}

	var parsed struct {
		Transcript string `json:"transcript"`
		Text       string `json:"text"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("stt: parse response: %w", err)
	}
	transcript := parsed.Transcript
	if transcript == "" {
		transcript = parsed.Text
	}

	slog.Debug("telegram stt transcript", "length", len(transcript))
	return transcript, nil
}
