package utils

import (
	"fmt"
	"net/url"
	"strings"
)

// Tracker rewrites outgoing HTML so opens and clicks report back to the tracking endpoints.
type Tracker struct {
	BaseURL string
	Key     string
}

// PixelURL generates a tracking pixel URL for email opens
func (t *Tracker) PixelURL(trackingID string) string {
	return fmt.Sprintf("%s/track/open/%s/%s", t.BaseURL, trackingID, SignToken(t.Key, trackingID))
}

// ClickURL generates a tracked URL for links
func (t *Tracker) ClickURL(trackingID, originalURL string) string {
	encodedURL := url.QueryEscape(originalURL)
	return fmt.Sprintf("%s/track/click/%s/%s?url=%s", t.BaseURL, trackingID, SignToken(t.Key, trackingID), encodedURL)
}

// Valid checks the token carried by a tracking URL. A nil Tracker accepts nothing.
func (t *Tracker) Valid(trackingID, token string) bool {
	if t == nil {
		return false
	}
	return VerifyToken(t.Key, trackingID, token)
}

// Inject injects tracking into email content
func (t *Tracker) Inject(htmlContent, trackingID string) string {
	trackingPixel := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`, t.PixelURL(trackingID))
	return t.injectClickTracking(htmlContent, trackingID) + trackingPixel
}

func (t *Tracker) injectClickTracking(html, trackingID string) string {
	// Only rewrites double-quoted href attributes directly after "<a ".
	startTag := "<a href=\""
	endTag := "\""
	offset := 0

	for {
		startIdx := strings.Index(html[offset:], startTag)
		if startIdx == -1 {
			break
		}
		startIdx += offset + len(startTag)

		endIdx := strings.Index(html[startIdx:], endTag)
		if endIdx == -1 {
			break
		}
		endIdx += startIdx

		originalURL := html[startIdx:endIdx]
		trackedURL := t.ClickURL(trackingID, originalURL)

		html = html[:startIdx] + trackedURL + html[endIdx:]
		offset = startIdx + len(trackedURL)
	}

	return html
}
