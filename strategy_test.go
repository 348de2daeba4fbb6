package offlinecache

import (
	"testing"

	requestkind "github.com/always-cache/offline-cache/pkg/request-kind"

	"github.com/stretchr/testify/assert"
)

func TestRoute(t *testing.T) {
	tests := []struct {
		mode RoutingMode
		kind requestkind.Kind
		want Strategy
	}{
		{RoutingModern, requestkind.Document, StrategyNetworkFirstDocument},
		{RoutingModern, requestkind.Static, StrategyCacheFirst},
		{RoutingModern, requestkind.Other, StrategyNetworkFirstElseCache},
		{RoutingSameOrigin, requestkind.Document, StrategyNetworkFirstDocument},
		{RoutingSameOrigin, requestkind.Static, StrategyCacheFirst},
		{RoutingSameOrigin, requestkind.Other, StrategyCacheFirst},
		{RoutingLegacy, requestkind.Document, StrategyNetworkFirstElseCache},
		{RoutingLegacy, requestkind.Static, StrategyNetworkFirstElseCache},
		{RoutingLegacy, requestkind.Other, StrategyNetworkFirstElseCache},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode)+"/"+tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, Route(tt.mode, tt.kind))
		})
	}
}

func TestCacheStatusString(t *testing.T) {
	var cs CacheStatus
	cs.Hit()
	assert.Equal(t, "Offline-Cache; hit", cs.String())

	cs.Forward(CacheStatusFwdUriMiss)
	cs.Stored = true
	assert.Equal(t, "Offline-Cache; fwd=uri-miss; stored", cs.String())

	cs = CacheStatus{}
	cs.Forward(CacheStatusFwdRequest)
	cs.Detail(DetailFallback)
	assert.Equal(t, "Offline-Cache; fwd=request; detail=fallback", cs.String())
}

func TestStorable(t *testing.T) {
	for code, want := range map[int]bool{200: true, 201: true, 204: true, 206: false, 301: false, 404: false, 500: false} {
		assert.Equal(t, want, storable(synthesizedResponse(nil, code, "", nil)), code)
	}
}
