package chat

import (
	"encoding/json"
	"strings"
)

// DefaultColorToken and DefaultColorHex are used when a value is not in the table.
const (
	DefaultColorToken = "bg-gray-500"
	DefaultColorHex   = "#6B7280"
)

// colorTable maps UI class tokens to the hex value persisted by the API.
var colorTable = []struct {
	token string
	hex   string
}{
	{"bg-gray-500", "#6B7280"},
	{"bg-red-500", "#EF4444"},
	{"bg-orange-500", "#F97316"},
	{"bg-amber-500", "#F59E0B"},
	{"bg-yellow-500", "#EAB308"},
	{"bg-lime-500", "#84CC16"},
	{"bg-green-500", "#22C55E"},
	{"bg-emerald-500", "#10B981"},
	{"bg-teal-500", "#14B8A6"},
	{"bg-cyan-500", "#06B6D4"},
	{"bg-sky-500", "#0EA5E9"},
	{"bg-blue-500", "#3B82F6"},
	{"bg-indigo-500", "#6366F1"},
	{"bg-violet-500", "#8B5CF6"},
	{"bg-purple-500", "#A855F7"},
	{"bg-pink-500", "#EC4899"},
	{"bg-rose-500", "#F43F5E"},
}

// ColorTokens lists every known token in table order.
func ColorTokens() []string {
	out := make([]string, len(colorTable))
	for i, c := range colorTable {
		out[i] = c.token
	}
	return out
}

// TokenToHex converts a UI token to its hex value. Unknown tokens map to DefaultColorHex.
func TokenToHex(token string) string {
	token = strings.TrimSpace(token)
	for _, c := range colorTable {
		if c.token == token {
			return c.hex
		}
	}
	return DefaultColorHex
}

// HexToToken converts a hex value to its UI token. Matching is case-insensitive
// and tolerates a missing '#'. Unknown values map to DefaultColorToken.
func HexToToken(hex string) string {
	hex = strings.TrimSpace(hex)
	if hex != "" && hex[0] != '#' {
		hex = "#" + hex
	}
	for _, c := range colorTable {
		if strings.EqualFold(c.hex, hex) {
			return c.token
		}
	}
	return DefaultColorToken
}

// Color is a stage color carried in both representations.
type Color struct {
	Token string
	Hex   string
}

// ColorFromToken builds a Color from a UI token.
func ColorFromToken(token string) Color {
	hex := TokenToHex(token)
	return Color{Token: HexToToken(hex), Hex: hex}
}

// ColorFromHex builds a Color from a persisted hex value.
func ColorFromHex(hex string) Color {
	token := HexToToken(hex)
	return Color{Token: token, Hex: TokenToHex(token)}
}

// MarshalJSON writes the persisted (hex) form.
func (c Color) MarshalJSON() ([]byte, error) {
	hex := c.Hex
	if hex == "" {
		hex = TokenToHex(c.Token)
	}
	return json.Marshal(hex)
}

// UnmarshalJSON accepts either a hex value or a UI token.
func (c *Color) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if strings.HasPrefix(strings.TrimSpace(s), "bg-") {
		*c = ColorFromToken(s)
		return nil
	}
	*c = ColorFromHex(s)
	return nil
}
