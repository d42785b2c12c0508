package build

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// verify version is set from BuildVersionArray, not hardcoded placeholder
func TestBuildVersionNotZero(t *testing.T) {
	require.NotEqual(t, "0.0.0", BuildVersion)
	require.NotEmpty(t, BuildVersion)
}

func TestUserVersion(t *testing.T) {
	old := CurrentCommit
	defer func() { CurrentCommit = old }()
	CurrentCommit = "+git.abc"

	require.Equal(t, BuildVersion+"+git.abc", UserVersion())

	t.Setenv("CMTIDX_VERSION_IGNORE_COMMIT", "1")
	require.Equal(t, BuildVersion, UserVersion())
}
