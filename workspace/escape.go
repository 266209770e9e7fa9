package workspace

import "strings"

const scopeSeparator = "__"

// Escape maps a package identifier onto a filesystem-safe name:
// "@scope/name" becomes "scope__name", unscoped names are unchanged.
func Escape(pkg string) string {
	if strings.HasPrefix(pkg, "@") {
		if scope, name, ok := strings.Cut(pkg[1:], "/"); ok {
			return scope + scopeSeparator + name
		}
	}
	return pkg
}

// Unescape reverses Escape by splitting on the first separator.
func Unescape(name string) string {
	if scope, rest, ok := strings.Cut(name, scopeSeparator); ok {
		return "@" + scope + "/" + rest
	}
	return name
}

// Supported reports whether an escaped ground-truth directory name denotes
// an unscoped package. Scoped packages cannot be addressed by the
// declaration tooling and are left out of the sweep.
func Supported(name string) bool {
	return Unescape(name) == name
}
