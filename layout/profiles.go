package layout

const sizeFieldMask = ^uint64(0x7)

func amd64Base(name, versions string) Profile {
	return Profile{
		Name:            name,
		Arch:            "amd64",
		Versions:        versions,
		PtrSize:         8,
		ChunkHeaderSize: 16,
		SizeFieldMask:   sizeFieldMask,
		MinChunkSize:    32,
		Alignment:       16,
		PageSize:        0x1000,
		FastbinCount:    10,
		MaxFastSize:     0x80,
	}
}

// malloc_state before have_fastchunks was added in 2.27
func withClassicArena(p Profile) Profile {
	p.FastbinsOffset = 8
	p.TopOffset = 88
	p.LastRemainderOffset = 96
	p.BinHeadArrayOffset = 104
	p.NextOffset = 2152
	p.SystemMemOffset = 2176
	p.ArenaSize = 2192
	return p
}

func withModernArena(p Profile) Profile {
	p.FastbinsOffset = 16
	p.TopOffset = 96
	p.LastRemainderOffset = 104
	p.BinHeadArrayOffset = 112
	p.NextOffset = 2160
	p.SystemMemOffset = 2184
	p.ArenaSize = 2200
	return p
}

func withTCache(p Profile, countSize int) Profile {
	p.TCacheEnabled = true
	p.TCacheBins = 64
	p.TCacheFillCount = 7
	p.TCacheCountSize = countSize
	p.TCacheEntriesOffset = uint64(64 * countSize)
	return p
}

func withTCacheKey(p Profile, kind TCacheKeyKind) Profile {
	p.TCacheKeyKind = kind
	p.TCacheKeyFieldOffset = p.ChunkHeaderSize + p.Ptr()
	return p
}

// Glibc223AMD64 is glibc 2.23 to 2.25 on x86-64: no tcache
func Glibc223AMD64() *Profile {
	p := withClassicArena(amd64Base("glibc-2.23-amd64", ">= 2.23, < 2.26"))
	return &p
}

// Glibc226AMD64 is glibc 2.26, the first release with a tcache
func Glibc226AMD64() *Profile {
	p := withTCache(withClassicArena(amd64Base("glibc-2.26-amd64", ">= 2.26, < 2.27")), 1)
	return &p
}

// Glibc227AMD64 is glibc 2.27 and 2.28
func Glibc227AMD64() *Profile {
	p := withTCache(withModernArena(amd64Base("glibc-2.27-amd64", ">= 2.27, < 2.29")), 1)
	return &p
}

// Glibc229AMD64 is glibc 2.29, which added the tcache key double free check
func Glibc229AMD64() *Profile {
	p := withTCacheKey(withTCache(withModernArena(amd64Base("glibc-2.29-amd64", ">= 2.29, < 2.30")), 1), TCacheKeyPointer)
	return &p
}

// Glibc230AMD64 is glibc 2.30 and 2.31, which widened the tcache counts to uint16
func Glibc230AMD64() *Profile {
	p := withTCacheKey(withTCache(withModernArena(amd64Base("glibc-2.30-amd64", ">= 2.30, < 2.32")), 2), TCacheKeyPointer)
	return &p
}

// Glibc232AMD64 is glibc 2.32 and 2.33, with safe-linking
func Glibc232AMD64() *Profile {
	p := withTCacheKey(withTCache(withModernArena(amd64Base("glibc-2.32-amd64", ">= 2.32, < 2.34")), 2), TCacheKeyPointer)
	p.SafeLinking = true
	return &p
}

// Glibc234AMD64 is glibc 2.34 and later, where the tcache key is random
func Glibc234AMD64() *Profile {
	p := withTCacheKey(withTCache(withModernArena(amd64Base("glibc-2.34-amd64", ">= 2.34")), 2), TCacheKeyRandom)
	p.SafeLinking = true
	return &p
}

// Glibc223I386 is glibc 2.23 to 2.25 on 32-bit x86
func Glibc223I386() *Profile {
	return &Profile{
		Name:                "glibc-2.23-i386",
		Arch:                "i386",
		Versions:            ">= 2.23, < 2.26",
		PtrSize:             4,
		ChunkHeaderSize:     8,
		SizeFieldMask:       sizeFieldMask,
		MinChunkSize:        16,
		Alignment:           8,
		PageSize:            0x1000,
		FastbinCount:        10,
		MaxFastSize:         0x40,
		FastbinsOffset:      8,
		TopOffset:           48,
		LastRemainderOffset: 52,
		BinHeadArrayOffset:  56,
		NextOffset:          1088,
		SystemMemOffset:     1100,
		ArenaSize:           1108,
	}
}

// BuiltinProfiles returns fresh copies of every profile shipped with heapscope
func BuiltinProfiles() []*Profile {
	return []*Profile{
		Glibc223AMD64(),
		Glibc226AMD64(),
		Glibc227AMD64(),
		Glibc229AMD64(),
		Glibc230AMD64(),
		Glibc232AMD64(),
		Glibc234AMD64(),
		Glibc223I386(),
	}
}
