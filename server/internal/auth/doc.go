// Package auth provides authentication middleware for pipewatch-server.
//
// APIKeyMiddleware(mode, header, key) wraps an http.Handler and validates the
// API key carried in the named request header. Browsers cannot set headers on
// a WebSocket upgrade, so the key is also accepted as the api_key query
// parameter.
//
// When mode != "apikey" or key == "", all requests pass through (useful for
// local development with auth disabled). A missing or incorrect key gets a
// 401 with a JSON error body.
package auth
