package offlinecache

import "fmt"

type CacheStatusStatus string

const (
	CacheStatusHit CacheStatusStatus = "hit"
	CacheStatusFwd CacheStatusStatus = "fwd"
)

type CacheStatusFwdReason string

const (
	// A rule sends the request to the network only.
	CacheStatusFwdBypass CacheStatusFwdReason = "bypass"

	// The cache did not contain any responses that matched the
	// request URI.
	CacheStatusFwdUriMiss CacheStatusFwdReason = "uri-miss"

	// The routing strategy asks the network first, regardless
	// of what is stored.
	CacheStatusFwdRequest CacheStatusFwdReason = "request"
)

// Details explaining where a response came from when the network was not reachable.
const (
	// A stored response for the exact request was served.
	DetailOffline = "offline"
	// The offline document was served in place of the requested document.
	DetailFallback = "fallback"
	// The response was generated without network or cache.
	DetailSynthesized = "synthesized"
)

// CacheStatus is the value of the `Cache-Status` response header, as defined in RFC 9211.
type CacheStatus struct {
	Status    CacheStatusStatus
	FwdReason CacheStatusFwdReason
	Stored    bool
	detail    string
}

func (cs *CacheStatus) Hit() {
	cs.Status = CacheStatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason CacheStatusFwdReason) {
	cs.Status = CacheStatusFwd
	cs.FwdReason = reason
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs CacheStatus) String() string {
	status := fmt.Sprintf("Offline-Cache; %s", cs.Status)
	if cs.Status == CacheStatusFwd && cs.FwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.FwdReason)
	}
	if cs.Stored {
		status = status + "; stored"
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}
