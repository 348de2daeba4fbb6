// Package requestkind classifies intercepted requests into documents, static assets
// and everything else, based on what browsers send along with each request:
// the `Sec-Fetch-Mode` and `Sec-Fetch-Dest` fetch metadata and the `Accept` header.
// Clients that send no fetch metadata are classified by path extension.
package requestkind

import (
	"net/http"
	"path"
	"strings"
)

type Kind int

const (
	Other Kind = iota
	Document
	Static
)

func (k Kind) String() string {
	switch k {
	case Document:
		return "document"
	case Static:
		return "static"
	default:
		return "other"
	}
}

// DefaultStaticDestinations are the destinations served cache-first.
var DefaultStaticDestinations = []string{"script", "style", "font", "image", "manifest"}

var extensionDestinations = map[string]string{
	".js":          "script",
	".mjs":         "script",
	".css":         "style",
	".woff":        "font",
	".woff2":       "font",
	".ttf":         "font",
	".otf":         "font",
	".eot":         "font",
	".png":         "image",
	".jpg":         "image",
	".jpeg":        "image",
	".gif":         "image",
	".svg":         "image",
	".webp":        "image",
	".avif":        "image",
	".ico":         "image",
	".webmanifest": "manifest",
	".html":        "document",
	".htm":         "document",
}

// IsNavigation reports whether the request is a top-level page navigation.
func IsNavigation(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Sec-Fetch-Mode"), "navigate")
}

// AcceptsHTML reports whether the request's Accept header asks for an HTML document.
func AcceptsHTML(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Accept")), "text/html")
}

// Destination returns the resource destination of the request.
// The `Sec-Fetch-Dest` header wins. Without it the destination is inferred from the
// path extension, and is empty if nothing can be inferred.
func Destination(r *http.Request) string {
	if dest := strings.ToLower(strings.TrimSpace(r.Header.Get("Sec-Fetch-Dest"))); dest != "" {
		return dest
	}
	return extensionDestinations[strings.ToLower(path.Ext(r.URL.Path))]
}

// Classify returns the kind of the request.
// Navigations, requests accepting HTML and requests with a document destination
// are documents; requests whose destination is one of staticDestinations are static.
func Classify(r *http.Request, staticDestinations []string) Kind {
	if IsNavigation(r) || AcceptsHTML(r) {
		return Document
	}
	dest := Destination(r)
	switch dest {
	case "":
		return Other
	case "document":
		return Document
	}
	for _, s := range staticDestinations {
		if strings.EqualFold(s, dest) {
			return Static
		}
	}
	return Other
}
