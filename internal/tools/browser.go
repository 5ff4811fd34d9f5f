package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/halogate/halogate/internal/config"
)

const browserNavTimeout = 45 * time.Second

// BrowserTool renders a page in a real browser before extraction, for sites
// whose content only exists after JavaScript runs. web_fetch stays the
// default; the model reaches for this when a static fetch came back empty.
type BrowserTool struct {
	headless bool

	mu      sync.Mutex
	browser *rod.Browser
}

// NewBrowserTool returns nil when the tool is disabled in config.
func NewBrowserTool(cfg config.BrowserToolConfig) *BrowserTool {
	if !cfg.Enabled {
		return nil
	}
	return &BrowserTool{headless: cfg.Headless}
}

func (t *BrowserTool) Name() string { return "browser" }

func (t *BrowserTool) Description() string {
	return "Load a URL in a headless browser and extract its rendered text. " +
		"Use when web_fetch returns empty or script-gated content. Slower than web_fetch."
}

func (t *BrowserTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "HTTP or HTTPS URL to render.",
			},
			"waitMs": map[string]interface{}{
				"type":        "number",
				"description": "Extra settle time after load, in milliseconds (default 1000, max 10000).",
			},
			"maxChars": map[string]interface{}{
				"type":        "number",
				"description": "Maximum characters of extracted text to return (default 50000).",
			},
		},
		"required": []string{"url"},
	}
}

// ensureBrowser lazily launches the shared browser; launching per call would
// cost seconds each time.
func (t *BrowserTool) ensureBrowser() (*rod.Browser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.browser != nil {
		return t.browser, nil
	}
	path, err := launcher.New().Headless(t.headless).Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	b := rod.New().ControlURL(path)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	t.browser = b
	return b, nil
}

// Close shuts the shared browser down.
func (t *BrowserTool) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.browser != nil {
		if err := t.browser.Close(); err != nil {
			slog.Debug("browser close failed", "error", err)
		}
		t.browser = nil
	}
}

func (t *BrowserTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return ErrorResult("url is required")
	}
	if err := checkSSRF(rawURL); err != nil {
		return ErrorResult(fmt.Sprintf("SSRF protection: %v", err))
	}

	waitMs := 1000
	if w, ok := args["waitMs"].(float64); ok && w >= 0 && w <= 10000 {
		waitMs = int(w)
	}
	maxChars := defaultFetchMaxChars
	if mc, ok := args["maxChars"].(float64); ok && int(mc) >= 100 {
		maxChars = int(mc)
	}

	browser, err := t.ensureBrowser()
	if err != nil {
		return ErrorResult(fmt.Sprintf("browser unavailable: %v", err)).WithError(err)
	}

	navCtx, cancel := context.WithTimeout(ctx, browserNavTimeout)
	defer cancel()

	page, err := browser.Page(proto.TargetCreateTarget{URL: rawURL})
	if err != nil {
		return ErrorResult(fmt.Sprintf("open page: %v", err)).WithError(err)
	}
	defer page.Close()
	page = page.Context(navCtx)

	if err := page.WaitLoad(); err != nil {
		return ErrorResult(fmt.Sprintf("page load: %v", err)).WithError(err)
	}
	if waitMs > 0 {
		select {
		case <-navCtx.Done():
			return ErrorResult("page render timed out")
		case <-time.After(time.Duration(waitMs) * time.Millisecond):
		}
	}

	el, err := page.Element("body")
	if err != nil {
		return ErrorResult(fmt.Sprintf("extract body: %v", err)).WithError(err)
	}
	text, err := el.Text()
	if err != nil {
		return ErrorResult(fmt.Sprintf("extract text: %v", err)).WithError(err)
	}
	if len(text) > maxChars {
		text = text[:maxChars] + "\n\n[truncated]"
	}

	title := ""
	if info, err := page.Info(); err == nil {
		title = info.Title
	}
	out := fmt.Sprintf("# %s\nURL: %s\n\n%s", title, rawURL, text)
	return NewResult(wrapExternalContent(out, "Browser", true))
}
