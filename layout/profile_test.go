package layout_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/heapscope/heapscope/layout"
	"github.com/stretchr/testify/require"
)

func TestBuiltinProfilesValidate(t *testing.T) {
	for _, profile := range layout.BuiltinProfiles() {
		t.Run(profile.Name, func(t *testing.T) {
			require.NoError(t, profile.Validate())
		})
	}
}

func TestProfileValidateFailures(t *testing.T) {
	testCases := map[string]func(p *layout.Profile){
		"NoName":             func(p *layout.Profile) { p.Name = "" },
		"PtrSize":            func(p *layout.Profile) { p.PtrSize = 6 },
		"HeaderSize":         func(p *layout.Profile) { p.ChunkHeaderSize = 8 },
		"AlignmentNotPow2":   func(p *layout.Profile) { p.Alignment = 24 },
		"PageSizeNotPow2":    func(p *layout.Profile) { p.PageSize = 0x1800 },
		"MaskKeepsFlags":     func(p *layout.Profile) { p.SizeFieldMask = ^uint64(0) },
		"MinChunkMisaligned": func(p *layout.Profile) { p.MinChunkSize = 40 },
		"NoFastbins":         func(p *layout.Profile) { p.FastbinCount = 0 },
		"BinsPastArena":      func(p *layout.Profile) { p.ArenaSize = 1024 },
		"TCacheCountSize":    func(p *layout.Profile) { p.TCacheCountSize = 4 },
		"TCacheEntries":      func(p *layout.Profile) { p.TCacheEntriesOffset = 64 },
		"TCacheKeyOffset":    func(p *layout.Profile) { p.TCacheKeyFieldOffset = 16 },
		"KeyWithoutTCache":   func(p *layout.Profile) { p.TCacheEnabled = false },
		"BadConstraint":      func(p *layout.Profile) { p.Versions = ">>> two" },
	}

	for name, mutate := range testCases {
		t.Run(name, func(t *testing.T) {
			profile := layout.Glibc230AMD64()
			mutate(profile)

			err := profile.Validate()
			require.Error(t, err)
			require.True(t, errors.Is(err, layout.ErrUnsupportedProfile))
		})
	}
}

func TestNilProfile(t *testing.T) {
	var profile *layout.Profile
	require.True(t, errors.Is(profile.Validate(), layout.ErrUnsupportedProfile))
}

func TestBinAt(t *testing.T) {
	profile := layout.Glibc223AMD64()
	arena := uint64(0x7ffff7dd1b20)

	// The unsorted bin head's fd slot is the first element of bins
	require.Equal(t, arena+104-16, profile.BinAt(arena, layout.UnsortedBinIndex))
	require.Equal(t, arena+104, profile.BinAt(arena, layout.UnsortedBinIndex)+profile.ForwardOffset())
	require.Equal(t, arena+104+16, profile.BinAt(arena, 2)+profile.ForwardOffset())
	require.Equal(t, arena+8+3*8, profile.FastbinSlot(arena, 3))
}

func TestTCacheGeometry(t *testing.T) {
	old := layout.Glibc227AMD64()
	require.Equal(t, uint64(0x240), old.TCacheStructSize())
	require.Equal(t, uint64(5), old.TCacheCountOffset(5))
	require.Equal(t, uint64(64+8*5), old.TCacheEntryOffset(5))

	wide := layout.Glibc230AMD64()
	require.Equal(t, uint64(0x280), wide.TCacheStructSize())
	require.Equal(t, uint64(10), wide.TCacheCountOffset(5))
	require.Equal(t, uint64(0x410), wide.MaxTCacheSize())
	require.Equal(t, uint64(24), wide.TCacheKeyFieldOffset)

	require.Equal(t, uint64(0), layout.Glibc223AMD64().MaxTCacheSize())
}

func TestTCacheKeyKindString(t *testing.T) {
	require.Equal(t, "Pointer", layout.TCacheKeyPointer.String())
	require.Equal(t, "unknown", layout.TCacheKeyKind(42).String())

	kind, err := layout.ParseTCacheKeyKind("Random")
	require.NoError(t, err)
	require.Equal(t, layout.TCacheKeyRandom, kind)

	_, err = layout.ParseTCacheKeyKind("Sometimes")
	require.Error(t, err)
}
