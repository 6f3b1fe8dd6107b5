// Package models defines types shared across internal packages.
package models

// OAuthClient represents a dynamically registered OAuth client. It is
// also embedded inline in refresh tokens so the client directory can be
// rebuilt after a cold start.
type OAuthClient struct {
	ClientID                string   `json:"client_id"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`

	// Placeholder marks an entry synthesized on a directory miss. It is
	// never serialized: a placeholder must not be mistaken for real
	// registration metadata when embedded in a token.
	Placeholder bool `json:"-"`
}

// Clone returns a deep copy so callers cannot mutate directory entries
// through shared slices.
func (c *OAuthClient) Clone() *OAuthClient {
	if c == nil {
		return nil
	}

	out := *c
	out.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	out.GrantTypes = append([]string(nil), c.GrantTypes...)
	out.ResponseTypes = append([]string(nil), c.ResponseTypes...)

	return &out
}

// HasGrantType reports whether the client registered the given grant
// type. A client with no grant types registered gets the pair the token
// endpoint always issues together: authorization_code and refresh_token.
func (c *OAuthClient) HasGrantType(grantType string) bool {
	if len(c.GrantTypes) == 0 {
		return grantType == "authorization_code" || grantType == "refresh_token"
	}

	for _, g := range c.GrantTypes {
		if g == grantType {
			return true
		}
	}

	return false
}
