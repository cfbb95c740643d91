package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/jpeg"
	"image/png"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/disintegration/imaging"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-shiori/go-readability"

	. "github.com/roelfdiedericks/browserclaw/internal/logging"
	"github.com/roelfdiedericks/browserclaw/internal/protocol"
)

// Screenshots wider or taller than this get downscaled before encoding into
// the data URL, to keep result envelopes a sane size.
const maxScreenshotDim = 2000

const defaultExtractLength = 15000

// Navigate updates the tab's URL, waits for the load event (bounded by
// loadTimeout) and re-ensures the executor, since navigation destroys any
// previously injected one.
func (m *Manager) Navigate(ctx context.Context, urlStr string) (any, error) {
	page, err := m.ActivePage()
	if err != nil {
		return nil, err
	}

	if err := page.Context(ctx).Navigate(urlStr); err != nil {
		return nil, err
	}
	if err := page.Context(ctx).Timeout(loadTimeout).WaitLoad(); err != nil {
		err = loadWaitErr(ctx, err)
		if err.Error() == protocol.ErrTabLoadTimeout {
			L_warn("session: tab load timed out", "url", urlStr)
		}
		return nil, err
	}

	m.EnsureExecutorReady(ctx, page)

	finalURL := urlStr
	if info, err := page.Info(); err == nil {
		finalURL = info.URL
	}
	L_debug("session: navigated", "target", page.TargetID, "url", finalURL)
	return map[string]any{"tabId": string(page.TargetID), "url": finalURL}, nil
}

// loadWaitErr maps a load-wait failure onto the wire timeout error.
// Cancellation and unrelated failures pass through untouched.
func loadWaitErr(ctx context.Context, err error) error {
	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return errors.New(protocol.ErrTabLoadTimeout)
	}
	return err
}

// OpenTab creates a new tab, optionally making it the tracked active tab.
func (m *Manager) OpenTab(ctx context.Context, urlStr string, active bool) (any, error) {
	page, err := m.newPage(urlStr)
	if err != nil {
		return nil, err
	}

	if err := page.Context(ctx).Timeout(loadTimeout).WaitLoad(); err != nil {
		L_debug("session: new tab load incomplete, continuing", "url", urlStr)
	}

	if active {
		m.setActive(page)
		if _, err := page.Activate(); err != nil {
			L_debug("session: tab activate failed", "error", err)
		}
	}
	m.EnsureExecutorReady(ctx, page)

	L_debug("session: opened tab", "target", page.TargetID, "url", urlStr, "active", active)
	return map[string]any{"tabId": string(page.TargetID), "url": urlStr}, nil
}

// SwitchTab selects an open tab by the usual index/title/URL priority and
// makes it the tracked active tab.
func (m *Manager) SwitchTab(ctx context.Context, cmd protocol.Command) (any, error) {
	tabs, err := m.Tabs()
	if err != nil {
		return nil, err
	}
	tab := matchTab(tabs, SelectorFromArgs(cmd))
	if tab == nil {
		return nil, errors.New(protocol.ErrTabNotFound)
	}

	m.setActive(tab.page)
	if _, err := tab.page.Activate(); err != nil {
		L_debug("session: tab activate failed", "error", err)
	}

	L_debug("session: switched tab", "target", tab.TargetID, "title", tab.Title)
	return map[string]any{"tabId": tab.TargetID, "title": tab.Title, "url": tab.URL}, nil
}

// Screenshot captures the visible viewport of the tracked active tab as a
// data URL. Formats: png (default) or jpeg.
func (m *Manager) Screenshot(ctx context.Context, format string) (any, error) {
	page, err := m.ActivePage()
	if err != nil {
		return nil, err
	}

	protoFormat := proto.PageCaptureScreenshotFormatPng
	mime := "image/png"
	if format == "jpeg" || format == "jpg" {
		protoFormat = proto.PageCaptureScreenshotFormatJpeg
		mime = "image/jpeg"
	}

	img, err := page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{Format: protoFormat})
	if err != nil {
		return nil, err
	}

	img = downscale(img, mime)

	dataURL := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img)
	L_debug("session: screenshot captured", "format", mime, "bytes", len(img))
	return map[string]any{"dataUrl": dataURL}, nil
}

// downscale shrinks oversized screenshots. Failures fall back to the
// original bytes.
func downscale(data []byte, mime string) []byte {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return data
	}
	bounds := img.Bounds()
	if bounds.Dx() <= maxScreenshotDim && bounds.Dy() <= maxScreenshotDim {
		return data
	}

	resized := imaging.Fit(img, maxScreenshotDim, maxScreenshotDim, imaging.Lanczos)
	var buf bytes.Buffer
	if mime == "image/jpeg" {
		err = jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 80})
	} else {
		err = png.Encode(&buf, resized)
	}
	if err != nil {
		return data
	}
	L_debug("session: screenshot downscaled", "from", bounds.Dx(), "to", resized.Bounds().Dx())
	return buf.Bytes()
}

// Extract pulls readable text from the tracked active tab via readability,
// falling back to raw body text when extraction fails.
func (m *Manager) Extract(ctx context.Context, maxLength int) (any, error) {
	if maxLength <= 0 {
		maxLength = defaultExtractLength
	}

	page, err := m.ActivePage()
	if err != nil {
		return nil, err
	}

	html, err := page.Context(ctx).HTML()
	if err != nil {
		return nil, err
	}

	var pageURL string
	var title string
	if info, err := page.Info(); err == nil {
		pageURL = info.URL
		title = info.Title
	}
	parsed, _ := url.Parse(pageURL)

	text := ""
	article, err := readability.FromReader(strings.NewReader(html), parsed)
	if err != nil {
		L_warn("session: readability failed, using raw text", "error", err)
		if el, err := page.Element("body"); err == nil {
			text, _ = el.Text()
		}
	} else {
		if article.Title != "" {
			title = article.Title
		}
		text = article.TextContent
	}

	text = truncateText(text, maxLength)

	return map[string]any{"title": title, "url": pageURL, "text": text}, nil
}

// truncateText cuts text to at most max bytes without splitting a rune,
// appending a marker when anything was dropped.
func truncateText(text string, max int) string {
	if len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "\n\n[Content truncated...]"
}
