package layout_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/heapscope/heapscope/layout"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
)

func TestRegistryForVersion(t *testing.T) {
	registry := layout.DefaultRegistry()

	testCases := map[string]struct {
		Version  string
		Arch     string
		Expected string
	}{
		"Xenial":   {"2.23", "amd64", "glibc-2.23-amd64"},
		"Bionic":   {"2.27", "amd64", "glibc-2.27-amd64"},
		"Focal":    {"2.31", "amd64", "glibc-2.30-amd64"},
		"Hirsute":  {"2.33", "amd64", "glibc-2.32-amd64"},
		"Jammy":    {"2.35", "amd64", "glibc-2.34-amd64"},
		"Xenial32": {"2.23", "i386", "glibc-2.23-i386"},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			profile, err := registry.ForVersion(testCase.Version, testCase.Arch)
			require.NoError(t, err)
			require.Equal(t, testCase.Expected, profile.Name)
		})
	}

	_, err := registry.ForVersion("2.19", "amd64")
	require.True(t, errors.Is(err, layout.ErrUnsupportedProfile))

	_, err = registry.ForVersion("2.35", "i386")
	require.True(t, errors.Is(err, layout.ErrUnsupportedProfile))

	_, err = registry.ForVersion("bionic", "amd64")
	require.True(t, errors.Is(err, layout.ErrUnsupportedProfile))
}

func TestRegistryByName(t *testing.T) {
	registry := layout.DefaultRegistry()

	profile, err := registry.ByName("glibc-2.29-amd64")
	require.NoError(t, err)
	require.Equal(t, layout.TCacheKeyPointer, profile.TCacheKeyKind)

	_, err = registry.ByName("musl-1.2")
	require.True(t, errors.Is(err, layout.ErrUnsupportedProfile))

	profiles := registry.Profiles()
	require.Len(t, profiles, len(layout.BuiltinProfiles()))
	for i := 1; i < len(profiles); i++ {
		require.Less(t, profiles[i-1].Name, profiles[i].Name)
	}
}

func TestRegistryRejectsInvalid(t *testing.T) {
	registry := layout.NewRegistry()
	profile := layout.Glibc227AMD64()
	profile.Alignment = 12

	require.Error(t, registry.Register(profile))
	require.Empty(t, registry.Profiles())
}

func TestProfileFileRoundTrip(t *testing.T) {
	writer := jwriter.NewWriter()
	layout.WriteProfiles(&writer, layout.BuiltinProfiles())
	require.NoError(t, writer.Error())

	loaded, err := layout.LoadProfiles(writer.Bytes())
	require.NoError(t, err)
	require.Equal(t, layout.BuiltinProfiles(), loaded)
}

func TestLoadProfileFileOverrides(t *testing.T) {
	custom := `{
	"Comment":  "distro build with a larger default max fast",
	"Profiles": [{
		"Name":                "glibc-2.27-amd64",
		"Arch":                "amd64",
		"Versions":            ">= 2.27, < 2.29",
		"PtrSize":             8,
		"ChunkHeaderSize":     16,
		"MinChunkSize":        32,
		"Alignment":           16,
		"PageSize":            4096,
		"FastbinCount":        10,
		"MaxFastSize":         176,
		"FastbinsOffset":      16,
		"TopOffset":           96,
		"LastRemainderOffset": 104,
		"BinHeadArrayOffset":  112,
		"NextOffset":          2160,
		"SystemMemOffset":     2184,
		"ArenaSize":           2200
	}]
}`
	path := filepath.Join(t.TempDir(), "profiles.json")
	require.NoError(t, os.WriteFile(path, []byte(custom), 0o644))

	registry := layout.DefaultRegistry()
	profiles, err := registry.LoadProfileFile(path)
	require.NoError(t, err)
	require.Len(t, profiles, 1)

	profile, err := registry.ByName("glibc-2.27-amd64")
	require.NoError(t, err)
	require.Equal(t, uint64(176), profile.MaxFastSize)
	require.False(t, profile.TCacheEnabled)
	require.Equal(t, ^uint64(7), profile.SizeFieldMask)
}

func TestLoadProfilesErrors(t *testing.T) {
	_, err := layout.LoadProfiles([]byte(`{"Profiles": [{"Name": "broken"`))
	require.Error(t, err)

	_, err = layout.LoadProfiles([]byte(`{"Profiles": [{"Name": "incomplete", "PtrSize": 8}]}`))
	require.True(t, errors.Is(err, layout.ErrUnsupportedProfile))

	_, err = layout.LoadProfiles([]byte(`{"Profiles": [{"Name": "bad", "TCacheKeyKind": "Sometimes"}]}`))
	require.Error(t, err)
}
