package llm

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
)

// Provider translates between the conversation model of this package and
// one completion API.
type Provider interface {
	// Name is the value of llm.provider that selects this provider.
	Name() string

	// BuildURL turns the configured base URL into the completion endpoint.
	// An empty base URL selects the provider's public default.
	BuildURL(baseURL string) string

	// SetHeaders authenticates req. An empty apiKey falls back to the
	// provider's conventional environment variable.
	SetHeaders(req *http.Request, apiKey string)

	// BuildRequestBody encodes one completion call. A nil temperature and a
	// zero maxTokens leave the provider defaults in place.
	BuildRequestBody(model string, messages []Message, temperature *float64, maxTokens int) ([]byte, error)

	// ParseResponse decodes a completion; model is reported when the reply
	// does not name one.
	ParseResponse(body []byte, model string) (*Response, error)
}

// registry maps llm.provider values to providers. Providers add themselves
// from init functions of the providers package.
type registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

var providers = &registry{providers: make(map[string]Provider)}

// RegisterProvider makes p available to NewClient. Registering a second
// provider under the same name panics.
func RegisterProvider(p Provider) {
	providers.mu.Lock()
	defer providers.mu.Unlock()

	name := p.Name()
	if _, dup := providers.providers[name]; dup {
		panic(fmt.Sprintf("llm: provider %q registered twice", name))
	}
	providers.providers[name] = p
}

// LookupProvider returns the provider registered under name.
func LookupProvider(name string) (Provider, error) {
	providers.mu.RLock()
	p, ok := providers.providers[name]
	providers.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown provider %q (registered: %s)", name, strings.Join(ListProviders(), ", "))
	}
	return p, nil
}

// ListProviders returns the registered provider names in sorted order.
func ListProviders() []string {
	providers.mu.RLock()
	defer providers.mu.RUnlock()

	names := make([]string, 0, len(providers.providers))
	for name := range providers.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
