package collector

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateSettings(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateSettings(DefaultSettings()))

	bad := DefaultSettings()
	bad.RetentionDays = 0
	err := ValidateSettings(bad)
	require.Error(t, err)
	require.Equal(t, KindInvalidInput, KindOf(err))
}

func TestValidateMessages(t *testing.T) {
	t.Parallel()

	ok := DetectedArtifact{
		PageURL:   "https://x.test/",
		SourceURL: "https://x.test/a.js",
		MapURL:    "https://x.test/a.js.map",
		FileType:  FileTypeJS,
	}
	require.NoError(t, Validate("detected", ok))

	wrongType := ok
	wrongType.FileType = "html"
	require.Error(t, Validate("detected", wrongType))

	require.Error(t, Validate("event", NetworkEvent{URL: "not a url", ResourceType: ResourceTypeScript}))
	require.NoError(t, Validate("event", NetworkEvent{URL: "https://x.test/a.js", ResourceType: ResourceTypeOther}))
	require.Error(t, Validate("crx", DetectedCrx{PageURL: "https://x.test/"}))
}
