// Package identity supplies participant identities: the User payload shared
// through awareness, and a generator for a default display name and color
// when the caller does not provide one.
//
// Generated names are an adjective and an animal joined by a space. Colors
// are hex strings taken from a flat palette. Neither is collision free across
// peers; two participants may end up as "Calm Owl".
package identity

import "math/rand/v2"

// User is the identity a participant broadcasts to the other peers.
type User struct {
	Name   string `json:"name"`
	Color  string `json:"color"`
	Avatar string `json:"avatar,omitempty"`
}

var (
	// Adjectives is the first word pool of generated names.
	Adjectives = []string{"Swift", "Clever", "Bright", "Quick", "Sharp", "Bold", "Calm", "Kind"}
	// Animals is the second word pool of generated names.
	Animals = []string{"Fox", "Owl", "Bear", "Wolf", "Eagle", "Hawk", "Lion", "Tiger"}
	// Colors is the palette generated colors are picked from.
	Colors = []string{
		"#f87171", "#fb923c", "#fbbf24", "#a3e635",
		"#4ade80", "#2dd4bf", "#22d3ee", "#60a5fa",
		"#818cf8", "#a78bfa", "#e879f9", "#f472b6",
	}
)

// RandomName returns "<Adjective> <Animal>" with both words picked uniformly.
func RandomName() string {
	return pick(Adjectives) + " " + pick(Animals)
}

// RandomColor returns a hex color picked uniformly from Colors.
func RandomColor() string {
	return pick(Colors)
}

// Random returns a User with a generated name and color.
func Random() User {
	return User{Name: RandomName(), Color: RandomColor()}
}

// OrRandom returns u when it names somebody, otherwise a generated identity.
// A missing color alone is filled in without touching the name.
func OrRandom(u *User) User {
	if u == nil || u.Name == "" {
		gen := Random()
		if u != nil && u.Color != "" {
			gen.Color = u.Color
		}
		if u != nil {
			gen.Avatar = u.Avatar
		}
		return gen
	}
	out := *u
	if out.Color == "" {
		out.Color = RandomColor()
	}
	return out
}

func pick(pool []string) string {
	return pool[rand.IntN(len(pool))]
}
