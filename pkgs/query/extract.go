package query

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Extract deep-searches tree for a field whose key matches one of the
// aliases, trying aliases in priority order. Key comparison is
// case-insensitive and ignores underscores, so "epoch_length",
// "EpochLength" and "epochlength" all match the alias "epoch_length".
// The network's responses bury the same fact under different key names
// depending on which client produced them, so a single tolerant walk
// replaces per-call-site tree digging.
func Extract(tree gjson.Result, aliases []string) (gjson.Result, bool) {
	for _, alias := range aliases {
		want := canonicalKey(alias)
		if found, ok := findKey(tree, want); ok {
			return found, true
		}
	}
	// A bare scalar response is itself the fact.
	if !tree.IsObject() && !tree.IsArray() && tree.Exists() {
		return tree, true
	}
	return gjson.Result{}, false
}

func findKey(node gjson.Result, want string) (gjson.Result, bool) {
	var out gjson.Result
	found := false

	if node.IsObject() {
		node.ForEach(func(key, value gjson.Result) bool {
			if canonicalKey(key.String()) == want {
				out = value
				found = true
				return false
			}
			return true
		})
		if found {
			return out, true
		}
		node.ForEach(func(_, value gjson.Result) bool {
			if inner, ok := findKey(value, want); ok {
				out = inner
				found = true
				return false
			}
			return true
		})
		return out, found
	}

	if node.IsArray() {
		node.ForEach(func(_, value gjson.Result) bool {
			if inner, ok := findKey(value, want); ok {
				out = inner
				found = true
				return false
			}
			return true
		})
		return out, found
	}

	return gjson.Result{}, false
}

func canonicalKey(k string) string {
	return strings.ReplaceAll(strings.ToLower(k), "_", "")
}

var microDenomRe = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)\s*(u[a-z]+)$`)

// NormalizeAmount converts the network's assorted numeric encodings to a
// plain float: bare numbers, numeric strings, micro-denomination strings
// like "12000000uallo", and nested {amount, denom} objects. Returns false
// when the value cannot be read as a number.
func NormalizeAmount(v gjson.Result) (float64, bool) {
	switch v.Type {
	case gjson.Number:
		return v.Float(), true
	case gjson.String:
		s := strings.TrimSpace(v.String())
		if m := microDenomRe.FindStringSubmatch(s); m != nil {
			f, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				return 0, false
			}
			return f / 1e6, true
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case gjson.JSON:
		if v.IsObject() {
			amount := v.Get("amount")
			if !amount.Exists() {
				return 0, false
			}
			f, ok := NormalizeAmount(amount)
			if !ok {
				return 0, false
			}
			// An inner "12000000uallo" amount was already micro-scaled;
			// dividing again for the denom field would double-count.
			if amount.Type == gjson.String && microDenomRe.MatchString(strings.TrimSpace(amount.String())) {
				return f, true
			}
			if denom := v.Get("denom"); denom.Exists() && strings.HasPrefix(denom.String(), "u") {
				f /= 1e6
			}
			return f, true
		}
		return 0, false
	case gjson.True:
		return 1, true
	case gjson.False:
		return 0, true
	default:
		return 0, false
	}
}

// NormalizeBool reads a boolean out of the loose encodings seen in client
// output: real booleans, "true"/"false" strings, and 0/1 numerics.
func NormalizeBool(v gjson.Result) (bool, bool) {
	switch v.Type {
	case gjson.True:
		return true, true
	case gjson.False:
		return false, true
	case gjson.Number:
		return v.Float() != 0, true
	case gjson.String:
		b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(v.String())))
		if err != nil {
			return false, false
		}
		return b, true
	default:
		return false, false
	}
}
