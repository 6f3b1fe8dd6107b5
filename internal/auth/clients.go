package auth

import (
	"sync"

	"github.com/alexjbarnes/freeagent-mcp/internal/models"
)

const (
	// maxClients caps the number of registered clients to prevent
	// unbounded growth from unauthenticated registration requests.
	maxClients = 1000

	// placeholderClientName is the display name given to clients
	// synthesized after a directory miss.
	placeholderClientName = "Recovered client"
)

// LookupStatus says where a ClientLookup result came from.
type LookupStatus int

const (
	// ClientMissing means no client could be produced (empty client id).
	ClientMissing LookupStatus = iota
	// ClientFound means the entry was registered or restored.
	ClientFound
	// ClientReconstructed means the entry is a placeholder synthesized on
	// a miss. It satisfies structural checks only and must never be
	// trusted as registration metadata.
	ClientReconstructed
)

func (s LookupStatus) String() string {
	switch s {
	case ClientFound:
		return "found"
	case ClientReconstructed:
		return "reconstructed"
	default:
		return "missing"
	}
}

// ClientLookup is the result of ClientDirectory.Lookup.
type ClientLookup struct {
	Status LookupStatus
	Client *models.OAuthClient
}

// ClientDirectory maps client ids to registered clients. It lives in
// process memory and may be empty after a cold start, so Lookup
// reconstructs a placeholder instead of failing. Trust never lives here:
// the refresh path re-derives the client identity from the signed refresh
// token and restores the real metadata from it.
type ClientDirectory struct {
	mu      sync.RWMutex
	clients map[string]*models.OAuthClient
}

// NewClientDirectory creates an empty directory.
func NewClientDirectory() *ClientDirectory {
	return &ClientDirectory{
		clients: make(map[string]*models.OAuthClient),
	}
}

// Get returns a copy of the stored client, placeholder or not.
func (d *ClientDirectory) Get(clientID string) (*models.OAuthClient, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	c, ok := d.clients[clientID]
	if !ok {
		return nil, false
	}

	return c.Clone(), true
}

// Lookup returns the client for clientID, synthesizing and storing a
// placeholder when it is not present.
func (d *ClientDirectory) Lookup(clientID string) ClientLookup {
	if clientID == "" {
		return ClientLookup{Status: ClientMissing}
	}

	if c, ok := d.Get(clientID); ok {
		if c.Placeholder {
			return ClientLookup{Status: ClientReconstructed, Client: c}
		}

		return ClientLookup{Status: ClientFound, Client: c}
	}

	placeholder := &models.OAuthClient{
		ClientID:                clientID,
		ClientName:              placeholderClientName,
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
		Placeholder:             true,
	}

	d.mu.Lock()
	// Another request may have registered or restored it meanwhile.
	if existing, ok := d.clients[clientID]; ok {
		d.mu.Unlock()

		status := ClientFound
		if existing.Placeholder {
			status = ClientReconstructed
		}

		return ClientLookup{Status: status, Client: existing.Clone()}
	}

	if len(d.clients) < maxClients {
		d.clients[clientID] = placeholder
	}
	d.mu.Unlock()

	return ClientLookup{Status: ClientReconstructed, Client: placeholder.Clone()}
}

// Register stores a new client registration. Returns false if the
// maximum number of registered clients has been reached.
func (d *ClientDirectory) Register(c *models.OAuthClient) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.clients[c.ClientID]; !exists && len(d.clients) >= maxClients {
		return false
	}

	stored := c.Clone()
	stored.Placeholder = false
	d.clients[c.ClientID] = stored

	return true
}

// Restore replaces a missing or placeholder entry with authoritative
// metadata recovered from a signed token. Existing real registrations are
// left untouched, and a full directory gains no new ids. Returns true if
// the directory changed.
func (d *ClientDirectory) Restore(c *models.OAuthClient) bool {
	if c == nil || c.ClientID == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	existing, ok := d.clients[c.ClientID]
	if ok && !existing.Placeholder {
		return false
	}

	if !ok && len(d.clients) >= maxClients {
		return false
	}

	stored := c.Clone()
	stored.Placeholder = false
	d.clients[c.ClientID] = stored

	return true
}

// Reset drops every entry, as a cold start would.
func (d *ClientDirectory) Reset() {
	d.mu.Lock()
	d.clients = make(map[string]*models.OAuthClient)
	d.mu.Unlock()
}

// Len returns the number of entries, placeholders included.
func (d *ClientDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.clients)
}
