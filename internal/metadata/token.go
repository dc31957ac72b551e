package metadata

import "strings"

// TokenMetadata describes a token as reported by the metadata provider.
// Optional values are pointers: an absent value is nil, never zero.
type TokenMetadata struct {
	Address        string   `json:"address"`
	Symbol         string   `json:"symbol"`
	Name           string   `json:"name"`
	Decimals       int      `json:"decimals"`
	LogoURL        *string  `json:"logoUrl,omitempty"`
	Verified       bool     `json:"verified"`
	Testnet        *bool    `json:"testnet,omitempty"`
	ProviderID     *string  `json:"providerId,omitempty"`
	MarketCap      *float64 `json:"marketCap,omitempty"`
	Price          *float64 `json:"price,omitempty"`
	PriceChange24h *float64 `json:"priceChange24h,omitempty"`
	Volume24h      *float64 `json:"volume24h,omitempty"`
	Description    *string  `json:"description,omitempty"`

	// Partial marks a listing record (search or market ranking). The provider
	// reported no contract details for it, so Decimals is not authoritative.
	// Partial records are returned to callers but never cached.
	Partial bool `json:"partial,omitempty"`
}

// Clone returns a deep copy so callers never share state with the cache
func (t TokenMetadata) Clone() TokenMetadata {
	out := t
	out.LogoURL = clonePtr(t.LogoURL)
	out.Testnet = clonePtr(t.Testnet)
	out.ProviderID = clonePtr(t.ProviderID)
	out.MarketCap = clonePtr(t.MarketCap)
	out.Price = clonePtr(t.Price)
	out.PriceChange24h = clonePtr(t.PriceChange24h)
	out.Volume24h = clonePtr(t.Volume24h)
	out.Description = clonePtr(t.Description)
	return out
}

// NormalizeAddress returns the cache key for an address
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneAll(tokens []TokenMetadata) []TokenMetadata {
	out := make([]TokenMetadata, len(tokens))
	for i, t := range tokens {
		out[i] = t.Clone()
	}
	return out
}
