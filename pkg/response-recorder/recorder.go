// Package recorder captures the response of an in-process handler,
// so that it can be treated like a response from the network.
package recorder

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// Recorder is an http.ResponseWriter that keeps the response in memory.
// Headers changed after WriteHeader are not part of the recorded response.
type Recorder struct {
	body        bytes.Buffer
	header      http.Header
	sentHeader  http.Header
	status      int
	wroteHeader bool
}

func New() *Recorder {
	return &Recorder{header: http.Header{}}
}

func (rec *Recorder) Header() http.Header {
	return rec.header
}

func (rec *Recorder) WriteHeader(statusCode int) {
	// like net/http, only the first call counts
	if rec.wroteHeader {
		return
	}
	rec.wroteHeader = true
	rec.status = statusCode
	rec.sentHeader = rec.header.Clone()
}

func (rec *Recorder) Write(b []byte) (int, error) {
	if !rec.wroteHeader {
		rec.WriteHeader(http.StatusOK)
	}
	return rec.body.Write(b)
}

// Flush is a no-op, so that streaming handlers can be recorded.
func (rec *Recorder) Flush() {
	if !rec.wroteHeader {
		rec.WriteHeader(http.StatusOK)
	}
}

// StatusCode returns the recorded status, 0 if nothing was written yet.
func (rec *Recorder) StatusCode() int {
	return rec.status
}

// Result returns the recorded response as a http.Response for the given request.
// The body is a fresh reader over the recorded bytes.
func (rec *Recorder) Result(req *http.Request) *http.Response {
	if !rec.wroteHeader {
		rec.WriteHeader(http.StatusOK)
	}
	body := bytes.Clone(rec.body.Bytes())
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", rec.status, http.StatusText(rec.status)),
		StatusCode:    rec.status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        rec.sentHeader.Clone(),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
