package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Well-known paths served by the mux.
const (
	ProtectedResourceMetadataPath = "/.well-known/oauth-protected-resource"
	ServerMetadataPath            = "/.well-known/oauth-authorization-server"
)

// ProtectedResourceMetadata is the RFC 9728 response.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ResourceName           string   `json:"resource_name,omitempty"`
}

// ServerMetadata is the RFC 8414 response.
type ServerMetadata struct {
	Issuer                                   string   `json:"issuer"`
	AuthorizationEndpoint                    string   `json:"authorization_endpoint"`
	TokenEndpoint                            string   `json:"token_endpoint"`
	RegistrationEndpoint                     string   `json:"registration_endpoint,omitempty"`
	RevocationEndpoint                       string   `json:"revocation_endpoint,omitempty"`
	ScopesSupported                          []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported                   []string `json:"response_types_supported"`
	GrantTypesSupported                      []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported            []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported        []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	AuthorizationResponseIssParameterSupport bool     `json:"authorization_response_iss_parameter_supported"`
}

// HandleProtectedResourceMetadata returns the /.well-known/oauth-protected-resource handler.
func HandleProtectedResourceMetadata(serverURL string) http.HandlerFunc {
	serverURL = strings.TrimRight(serverURL, "/")

	return metadataHandler(ProtectedResourceMetadata{
		Resource:               serverURL,
		AuthorizationServers:   []string{serverURL},
		ScopesSupported:        []string{ProxyScope},
		BearerMethodsSupported: []string{"header"},
		ResourceName:           "FreeAgent MCP",
	})
}

// HandleServerMetadata returns the /.well-known/oauth-authorization-server handler.
func HandleServerMetadata(serverURL string) http.HandlerFunc {
	serverURL = strings.TrimRight(serverURL, "/")

	return metadataHandler(ServerMetadata{
		Issuer:                                   serverURL,
		AuthorizationEndpoint:                    serverURL + "/oauth/authorize",
		TokenEndpoint:                            serverURL + "/oauth/token",
		RegistrationEndpoint:                     serverURL + "/oauth/register",
		RevocationEndpoint:                       serverURL + "/oauth/revoke",
		ScopesSupported:                          []string{ProxyScope},
		ResponseTypesSupported:                   []string{"code"},
		GrantTypesSupported:                      []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:            []string{"S256"},
		TokenEndpointAuthMethodsSupported:        []string{"none"},
		AuthorizationResponseIssParameterSupport: true,
	})
}

func metadataHandler(meta any) http.HandlerFunc {
	body, err := json.Marshal(meta)
	if err != nil {
		panic("auth: marshalling metadata: " + err.Error())
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_, _ = w.Write(body)
	}
}
