package dispatch

import (
	"net/http"

	"github.com/badri-s2001/antigravity-gateway/internal/auth/antigravity"
)

// clientUserAgent identifies this gateway to Cloud Code, since the reference
// gateway's own antigravity.APIUserAgent names its Node.js client library
// rather than this Go one.
const clientUserAgent = "antigravity/1.104.0 darwin/arm64"

const (
	clientIDEType    = "ANTIGRAVITY"
	clientPlatform   = "PLATFORM_UNSPECIFIED"
	clientPluginType = "GEMINI"
)

// applyClientHeaders sets the headers identifying this gateway to Cloud
// Code, common to every endpoint call. ideType/platform/pluginType mirror
// the shape of internal/auth/antigravity.ClientMetadata, sent as discrete
// headers here rather than a single JSON blob.
func applyClientHeaders(req *http.Request, token string, streaming bool) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", clientUserAgent)
	req.Header.Set("X-Goog-Api-Client", antigravity.APIClient)
	req.Header.Set("X-Ide-Type", clientIDEType)
	req.Header.Set("X-Platform", clientPlatform)
	req.Header.Set("X-Plugin-Type", clientPluginType)
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
}
