package storefront

import (
	"net/http"
	"net/url"
)

// defaultUserAgent is a current desktop Chrome build. The storefront
// redirects or rejects clients without a browser identification.
const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// Sec-Fetch values as sent by Chrome.
const (
	fetchModeNavigate = "navigate"
	fetchModeCORS     = "cors"
	fetchDestDocument = "document"
	fetchDestEmpty    = "empty"
	fetchSiteNone     = "none"
	fetchSiteSame     = "same-origin"
)

// headerProfile renders a consistent browser header set.
type headerProfile struct {
	userAgent string
	origin    string
	host      string
}

func newHeaderProfile(userAgent string, base *url.URL) headerProfile {
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return headerProfile{
		userAgent: userAgent,
		origin:    base.Scheme + "://" + base.Host,
		host:      base.Host,
	}
}

func (p headerProfile) applyCommon(req *http.Request) {
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br, zstd")
	req.Header.Set("Sec-Ch-Ua", `"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`)
	req.Header.Set("Sec-Ch-Ua-Mobile", "?0")
	req.Header.Set("Sec-Ch-Ua-Platform", `"Windows"`)
}

// applyNavigate sets headers for a top-level page load.
func (p headerProfile) applyNavigate(req *http.Request, referer string) {
	p.applyCommon(req)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
	req.Header.Set("Sec-Fetch-Mode", fetchModeNavigate)
	req.Header.Set("Sec-Fetch-Dest", fetchDestDocument)
	req.Header.Set("Sec-Fetch-User", "?1")
	if referer == "" {
		req.Header.Set("Sec-Fetch-Site", fetchSiteNone)
		return
	}
	req.Header.Set("Sec-Fetch-Site", p.fetchSite(referer))
	req.Header.Set("Referer", referer)
}

// applyXHR sets headers for a script-initiated API call from a site page.
func (p headerProfile) applyXHR(req *http.Request, referer string) {
	p.applyCommon(req)
	req.Header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Sec-Fetch-Mode", fetchModeCORS)
	req.Header.Set("Sec-Fetch-Dest", fetchDestEmpty)
	req.Header.Set("Sec-Fetch-Site", p.fetchSite(referer))
	req.Header.Set("Origin", p.origin)
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
}

func (p headerProfile) fetchSite(referer string) string {
	u, err := url.Parse(referer)
	if err != nil || u.Host != p.host {
		return fetchSiteNone
	}
	return fetchSiteSame
}
