package provider

import (
	"regexp"
	"strings"

	"tokenmeta/internal/config"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-f]{40}$`)

// Target is where the provider knows a requested token
type Target struct {
	Platform string
	Address  string
	Testnet  bool
	Override bool
}

// Translator maps requested addresses to provider addresses. Testnet tokens
// have no listing of their own, so they are mapped to their mainnet equivalent.
type Translator struct {
	platform  string
	overrides map[string]Target
}

// NewTranslator creates a Translator for platform with the given overrides
func NewTranslator(platform string, translations []config.TranslationConfig) *Translator {
	t := &Translator{
		platform:  platform,
		overrides: make(map[string]Target, len(translations)),
	}
	for _, tc := range translations {
		p := tc.Platform
		if p == "" {
			p = platform
		}
		t.overrides[strings.ToLower(tc.Address)] = Target{
			Platform: p,
			Address:  strings.ToLower(tc.Target),
			Testnet:  tc.Testnet,
			Override: true,
		}
	}
	return t
}

// Resolve returns the provider target for address. The second value is false
// when the address cannot be mapped.
func (t *Translator) Resolve(address string) (Target, bool) {
	key := strings.ToLower(strings.TrimSpace(address))
	if target, ok := t.overrides[key]; ok {
		return target, true
	}
	if !addressPattern.MatchString(key) {
		return Target{}, false
	}
	return Target{Platform: t.platform, Address: key}, true
}

// Platform returns the default platform id
func (t *Translator) Platform() string {
	return t.platform
}
