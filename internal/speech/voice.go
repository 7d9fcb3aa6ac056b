package speech

import "strings"

// preferred voice regions, in order.
var preferredLangs = []string{"en-US", "en-GB"}

var qualityMarkers = []string{"neural", "premium", "natural", "enhanced"}

var majorVendors = []string{"google", "microsoft", "apple", "amazon"}

// SelectVoice picks a synthesis voice by descending priority: region-matched
// quality voices, region-matched major-vendor voices, any English voice, then
// the engine default. A zero Voice means "let the engine decide".
func SelectVoice(voices []Voice) Voice {
	for _, lang := range preferredLangs {
		for _, v := range voices {
			if !langEquals(v.Lang, lang) {
				continue
			}
			if containsAny(v.Name, qualityMarkers) {
				return v
			}
		}
	}
	for _, lang := range preferredLangs {
		for _, v := range voices {
			if !langEquals(v.Lang, lang) {
				continue
			}
			if containsAny(v.Name, majorVendors) {
				return v
			}
		}
	}
	for _, v := range voices {
		if strings.HasPrefix(strings.ToLower(v.Lang), "en") {
			return v
		}
	}
	for _, v := range voices {
		if v.Default {
			return v
		}
	}
	return Voice{}
}

func langEquals(a, b string) bool {
	norm := func(s string) string { return strings.ToLower(strings.ReplaceAll(s, "_", "-")) }
	return norm(a) == norm(b)
}

func containsAny(name string, markers []string) bool {
	lower := strings.ToLower(name)
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
