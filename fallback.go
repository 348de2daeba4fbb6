package offlinecache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

const defaultOfflineHTML = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Offline</title></head>
<body><h1>You are offline</h1><p>This page is not available offline. Reconnect and try again.</p></body>
</html>
`

// synthesizedResponse creates a response that never touched network or cache.
func synthesizedResponse(r *http.Request, status int, contentType string, body []byte) *http.Response {
	res := &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{},
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       r,
	}
	if contentType != "" {
		res.Header.Set("Content-Type", contentType)
	}
	res.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return res
}

// offlinePage is the last resort for documents: 503 with a small HTML page.
func offlinePage(r *http.Request, html string) *http.Response {
	if html == "" {
		html = defaultOfflineHTML
	}
	return synthesizedResponse(r, http.StatusServiceUnavailable, "text/html; charset=UTF-8", []byte(html))
}

// gatewayTimeout is the last resort for everything else: an empty 504.
func gatewayTimeout(r *http.Request) *http.Response {
	return synthesizedResponse(r, http.StatusGatewayTimeout, "", nil)
}
