package heap

import (
	"fmt"
	"log/slog"
)

const (
	// DefaultMaxArenas bounds the arena ring walk when no limit is configured
	DefaultMaxArenas = 64
)

// Hint tells Build where to start. At least one of ArenaBase, Seed or SeedChunk must be set;
// they are tried in that order.
type Hint struct {
	// ArenaBase is the address of the main arena's malloc_state
	ArenaBase uint64
	// Seed is a forward pointer read back from a chunk alone in the unsorted bin
	Seed uint64
	// SeedChunk is the address of a chunk alone in the unsorted bin
	SeedChunk uint64
	// ImageBaseGuess is an address inside the image holding the arena. When set alongside
	// Seed or SeedChunk the image base is searched for and recorded.
	ImageBaseGuess uint64

	// HeapStart overrides discovery of the first chunk of the main heap
	HeapStart uint64
	// TCacheBase overrides discovery of the tcache_perthread_struct
	TCacheBase uint64
	// TCacheKey overrides the value tcache entries carry in their key field
	TCacheKey uint64
}

// BuildOptions configures Build
type BuildOptions struct {
	// Logger receives debug output about each build stage. Nothing is logged when nil.
	Logger *slog.Logger
	// MaxSteps bounds every free list walk, bins.DefaultMaxSteps when zero
	MaxSteps int
	// FollowArenaRing reads every arena linked from the main arena, not only the main arena
	FollowArenaRing bool
	// MaxArenas bounds the arena ring walk, DefaultMaxArenas when zero
	MaxArenas int
}

// BuildError is returned when a structural failure stops Build. Corruption never produces
// a BuildError; it is reported as findings on the model.
type BuildError struct {
	// Stage is the build step that failed: locate, arena, classify, heap or tcache
	Stage   string
	Address uint64
	Err     error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("heap build failed during %s at %#x: %v", e.Stage, e.Address, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}
