package terminal

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"plain error", errors.New("boom"), Unclassified},
		{"classified", Errorf(CommonJSUnsupported, "require failed"), CommonJSUnsupported},
		{"wrapped classified", fmt.Errorf("examples: %w", Wrap(PackageDataMissing, errors.New("no url"))), PackageDataMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestMarkerOf(t *testing.T) {
	assert.Equal(t, MarkerUsable, MarkerOf(nil))
	assert.Equal(t, MarkerRaisedError, MarkerOf(errors.New("unexpected")))
	assert.Equal(t, MarkerPackageInstallationFail, MarkerOf(Errorf(PackageInstallationFailure, "npm install")))
	assert.Equal(t, MarkerNodeJSUnsupported, MarkerOf(Errorf(NodeRuntimeUnsupported, "browser only")))
	assert.Equal(t, MarkerRaisedError, MarkerOf(Errorf(ReproductionMismatch, "node version")))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(PackageDataMissing, nil))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("cause")
	err := Wrap(PackageDataMissing, cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "package_data_missing: cause", err.Error())
}

func TestMarkerValid(t *testing.T) {
	for _, m := range Markers() {
		assert.True(t, m.Valid(), m)
	}
	assert.False(t, Marker("done").Valid())
}
