// Package terminal classifies package-level pipeline failures.
//
// Stages return a *Error carrying a Kind when a failure invalidates the whole
// package. The orchestrator switches on the Kind to pick the Marker that is
// persisted in the package's state record.
package terminal

import (
	"errors"
	"fmt"
)

// Kind tags a package-level failure.
type Kind int

const (
	// Unclassified is any failure without a more specific kind.
	Unclassified Kind = iota
	// PackageDataMissing means too little package metadata was discoverable,
	// or required upstream data such as the repository URL could not be resolved.
	PackageDataMissing
	// PackageInstallationFailure means installing the sandbox dependencies failed.
	PackageInstallationFailure
	// CommonJSUnsupported means the require() smoke test failed.
	CommonJSUnsupported
	// NodeRuntimeUnsupported means the package was classified as not runnable
	// standalone in Node.
	NodeRuntimeUnsupported
	// ReproductionMismatch means a recorded environment or artifact did not
	// match in reproduction mode.
	ReproductionMismatch
)

var kindNames = map[Kind]string{
	Unclassified:               "unclassified",
	PackageDataMissing:         "package_data_missing",
	PackageInstallationFailure: "package_installation_failure",
	CommonJSUnsupported:        "commonjs_unsupported",
	NodeRuntimeUnsupported:     "nodejs_unsupported",
	ReproductionMismatch:       "reproduction_mismatch",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Marker is the persisted terminal classification of a package.
type Marker string

const (
	MarkerUsable                  Marker = "usable"
	MarkerPackageDataMissing      Marker = "package_data_missing"
	MarkerPackageInstallationFail Marker = "package_installation_fail"
	MarkerCommonJSUnsupported     Marker = "commonjs_unsupported"
	MarkerNodeJSUnsupported       Marker = "nodejs_unsupported"
	MarkerRaisedError             Marker = "raised_error"
)

// Markers returns every marker in reporting order.
func Markers() []Marker {
	return []Marker{
		MarkerUsable,
		MarkerPackageDataMissing,
		MarkerPackageInstallationFail,
		MarkerCommonJSUnsupported,
		MarkerNodeJSUnsupported,
		MarkerRaisedError,
	}
}

// Valid reports whether m is one of the known markers.
func (m Marker) Valid() bool {
	for _, known := range Markers() {
		if m == known {
			return true
		}
	}
	return false
}

// Marker maps a failure kind onto the fixed marker set. Reproduction
// mismatches have no marker of their own and are recorded as raised errors.
func (k Kind) Marker() Marker {
	switch k {
	case PackageDataMissing:
		return MarkerPackageDataMissing
	case PackageInstallationFailure:
		return MarkerPackageInstallationFail
	case CommonJSUnsupported:
		return MarkerCommonJSUnsupported
	case NodeRuntimeUnsupported:
		return MarkerNodeJSUnsupported
	default:
		return MarkerRaisedError
	}
}

// Error is a classified package-level failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf creates a classified error with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err. A nil err stays nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// Unclassified when there is none.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return Unclassified
}

// MarkerOf returns the marker for a stage outcome; nil means usable.
func MarkerOf(err error) Marker {
	if err == nil {
		return MarkerUsable
	}
	return KindOf(err).Marker()
}
