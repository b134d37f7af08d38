// Package identity reads the caller identity established by the fronting
// identity provider. It performs no authentication of its own.
package identity

import (
	"net/http"
	"strings"

	"recipe-assistant/internal/domain"
)

// DefaultHeader carries the authenticated user id set by the auth proxy.
const DefaultHeader = "X-Authenticated-User"

// HeaderResolver trusts a single request header.
type HeaderResolver struct {
	Header string
}

func (h HeaderResolver) name() string {
	if strings.TrimSpace(h.Header) == "" {
		return DefaultHeader
	}
	return h.Header
}

// FromRequest resolves the identity of an HTTP request.
func (h HeaderResolver) FromRequest(r *http.Request) domain.Identity {
	return domain.Identity{UserID: strings.TrimSpace(r.Header.Get(h.name()))}
}

// FromMap resolves the identity from a flattened header map whose keys may
// use any case, as delivered by Lambda Function URLs.
func (h HeaderResolver) FromMap(headers map[string]string) domain.Identity {
	want := h.name()
	for k, v := range headers {
		if strings.EqualFold(k, want) {
			return domain.Identity{UserID: strings.TrimSpace(v)}
		}
	}
	return domain.Identity{}
}
