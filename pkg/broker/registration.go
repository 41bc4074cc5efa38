package broker

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/seekerror/stdlib/pkg/lang"
)

// secretEntropyBytes matches the Python reference's secrets.token_urlsafe(32).
const secretEntropyBytes = 32

// recognizedVariants is the set of UCI_Variant values the broker accepts in
// a registration. Anything an engine advertises outside this set is dropped
// rather than forwarded to the site API.
var recognizedVariants = map[string]bool{
	"chess":         true,
	"antichess":     true,
	"atomic":        true,
	"crazyhouse":    true,
	"horde":         true,
	"kingofthehill": true,
	"racingkings":   true,
	"3check":        true,
}

// FilterRecognizedVariants returns the subset of candidates that the broker
// recognizes, preserving order and dropping duplicates.
func FilterRecognizedVariants(candidates []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, v := range candidates {
		if !recognizedVariants[v] || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// Registration is the EngineRegistration record sent to the site API.
type Registration struct {
	Name           string   `json:"name"`
	MaxThreads     int      `json:"maxThreads"`
	MaxHash        int      `json:"maxHash"`
	Variants       []string `json:"variants"`
	ProviderSecret string   `json:"providerSecret"`

	// FixedSecret, if set, is used instead of a freshly generated one.
	FixedSecret lang.Optional[string] `json:"-"`
}

// engineRecord is one entry of GET {site}/api/external-engine.
type engineRecord struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func generateSecret() (string, error) {
	buf := make([]byte, secretEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate provider secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
