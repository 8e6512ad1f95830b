package bank

import (
	"net/http"

	"github.com/selfwork/taxgate/cache"
	"github.com/selfwork/taxgate/domain"
)

// NewClients builds one adapter per configured provider, all sharing the same
// HTTP client and token source.
func NewClients(providers []domain.Provider, creds Credentials, httpClient *http.Client, tokens cache.TokenSource) map[string]Client {
	clients := make(map[string]Client, len(providers))
	for _, provider := range providers {
		clients[provider.Name] = NewClient(provider, creds, httpClient, tokens)
	}
	return clients
}
