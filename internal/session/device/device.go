// Package device turns raw user-agent strings into labels people recognise
// in a session list, such as "Chrome on macOS".
package device

import (
	"strings"

	"github.com/mssola/useragent"
)

const unknownDevice = "Unknown Device"

// ParseUserAgent returns "<browser> on <platform>". Parts the parser cannot
// identify fall back to "Unknown".
func ParseUserAgent(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return unknownDevice
	}
	ua := useragent.New(raw)

	browser, _ := ua.Browser()
	if ua.Bot() {
		browser = "Bot"
	}
	if browser == "" {
		browser = "Unknown"
	}

	platform := ua.OS()
	switch {
	case strings.Contains(raw, "iPhone"):
		platform = "iPhone"
	case strings.Contains(raw, "iPad"):
		platform = "iPad"
	case strings.HasPrefix(platform, "Intel Mac OS X"):
		platform = "macOS"
	case platform == "":
		platform = ua.Platform()
	}
	if platform == "" {
		platform = "Unknown"
	}

	return strings.Join(strings.Fields(browser+" on "+platform), " ")
}
