package utils

import "strings"

// CanonicalZoneName returns a zone or owner name in the form used as a key
// throughout the harness:
// - Lowercased
// - Trimmed of surrounding whitespace
// - Exactly one trailing dot ("." for the root)
func CanonicalZoneName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.TrimRight(name, ".")
	return name + "."
}

// ExpandOwner returns the fully qualified owner for a label relative to
// zone, expanding '@' to the apex and leaving absolute names untouched.
func ExpandOwner(label, zone string) string {
	zone = CanonicalZoneName(zone)
	label = strings.TrimSpace(label)
	switch {
	case label == "" || label == "@":
		return zone
	case strings.HasSuffix(label, "."):
		return label
	case zone == ".":
		return label + "."
	default:
		return label + "." + zone
	}
}
