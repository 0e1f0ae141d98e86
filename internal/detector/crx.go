package detector

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/JakeFAU/sourcemap-collector/internal/collector"
)

var extensionID = regexp.MustCompile(`^[a-p]{32}$`)

// DetectCrx recognizes extension store detail pages and returns the package
// download URL for the listed extension.
func (d *Detector) DetectCrx(pageURL, pageTitle string) (collector.DetectedCrx, bool) {
	crxURL, ok := d.CrxURL(pageURL)
	if !ok {
		return collector.DetectedCrx{}, false
	}
	return collector.DetectedCrx{PageURL: pageURL, PageTitle: pageTitle, CrxURL: crxURL}, true
}

// CrxURL maps a Chrome Web Store or Edge Add-ons detail page to the update
// service URL that serves the package.
func (d *Detector) CrxURL(pageURL string) (string, bool) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return "", false
	}
	host := strings.ToLower(parsed.Hostname())
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	id := strings.ToLower(segments[len(segments)-1])
	if !extensionID.MatchString(id) {
		return "", false
	}

	switch {
	case host == "chromewebstore.google.com" && len(segments) >= 2 && segments[0] == "detail",
		host == "chrome.google.com" && strings.HasPrefix(parsed.Path, "/webstore/detail/"):
		return chromeUpdateURL(id, d.cfg.ChromeVersion), true
	case host == "microsoftedge.microsoft.com" && strings.HasPrefix(parsed.Path, "/addons/detail/"):
		return edgeUpdateURL(id), true
	default:
		return "", false
	}
}

func chromeUpdateURL(id, prodVersion string) string {
	q := url.Values{}
	q.Set("response", "redirect")
	q.Set("prodversion", prodVersion)
	q.Set("acceptformat", "crx2,crx3")
	q.Set("x", "id="+id+"&uc")
	return "https://clients2.google.com/service/update2/crx?" + q.Encode()
}

func edgeUpdateURL(id string) string {
	q := url.Values{}
	q.Set("response", "redirect")
	q.Set("x", "id="+id+"&installsource=ondemand&uc")
	return "https://edge.microsoft.com/extensionwebstorebase/v1/crx?" + q.Encode()
}
