// Package serializer converts responses to the bytes kept in a cache entry and back.
//
// An entry is a single preamble line followed by the HTTP/1.1 form of the response:
//
//	offline-cache/1 <request unix nanos> <response unix nanos> GET <absolute URL>\r\n
//	HTTP/1.1 200 OK\r\n
//	...
//
// Only the method and URL of the request are kept, so credentials and cookies
// of the original request are never persisted.
package serializer

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const formatVersion = "offline-cache/1"

// ErrFormat is returned for bytes that are not a stored response.
var ErrFormat = errors.New("not a stored response")

type TimedResponse struct {
	Response *http.Response
	// The value of the clock at the time of the request that resulted in the stored response.
	RequestTime time.Time
	// The value of the clock at the time the response was received.
	ResponseTime time.Time
}

// Encode serializes the response together with the identity of its request.
// The response body is restored before returning, so the caller can still send the
// original response: the returned bytes are the clone.
func Encode(t TimedResponse) ([]byte, error) {
	res := t.Response
	if res == nil {
		return nil, errors.New("no response to serialize")
	}
	if res.Request == nil || res.Request.URL == nil {
		return nil, errors.New("response has no request")
	}
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "%s %d %d %s %s\r\n",
		formatVersion,
		t.RequestTime.UnixNano(),
		t.ResponseTime.UnixNano(),
		res.Request.Method,
		requestURL(res.Request),
	)
	if err := writeResponse(buf, res); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reads bytes written by Encode.
// The returned response's Request is a bodiless request for the stored URL.
func Decode(b []byte) (TimedResponse, error) {
	preamble, rest, found := bytes.Cut(b, []byte("\r\n"))
	if !found {
		return TimedResponse{}, ErrFormat
	}
	fields := strings.Fields(string(preamble))
	if len(fields) != 5 || fields[0] != formatVersion {
		return TimedResponse{}, ErrFormat
	}
	reqNanos, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return TimedResponse{}, fmt.Errorf("%w: request time: %v", ErrFormat, err)
	}
	resNanos, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return TimedResponse{}, fmt.Errorf("%w: response time: %v", ErrFormat, err)
	}
	req, err := http.NewRequest(fields[3], fields[4], nil)
	if err != nil {
		return TimedResponse{}, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(rest)), req)
	if err != nil {
		return TimedResponse{}, err
	}
	return TimedResponse{
		Response:     res,
		RequestTime:  time.Unix(0, reqNanos),
		ResponseTime: time.Unix(0, resNanos),
	}, nil
}

// requestURL returns the absolute URL of the request, without fragment.
func requestURL(r *http.Request) string {
	u := *r.URL
	u.Fragment = ""
	if u.Host == "" {
		u.Host = r.Host
	}
	if u.Host == "" {
		u.Host = "localhost"
	}
	if u.Scheme == "" {
		u.Scheme = "http"
		if r.TLS != nil {
			u.Scheme = "https"
		}
	}
	return u.String()
}

// writeResponse writes the HTTP/1.1 representation of res to buf
// and gives res a fresh body over the written bytes.
func writeResponse(buf *bytes.Buffer, res *http.Response) error {
	if res.ProtoMajor == 0 {
		res.Proto, res.ProtoMajor, res.ProtoMinor = "HTTP/1.1", 1, 1
	}
	start := buf.Len()
	if err := res.Write(buf); err != nil {
		return err
	}
	wire := buf.Bytes()[start:]
	clone, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(wire)), res.Request)
	if err != nil {
		return err
	}
	res.Body = clone.Body
	return nil
}
