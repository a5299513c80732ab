package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/heapscope/heapscope/heap"
	"github.com/heapscope/heapscope/layout"
	"github.com/heapscope/heapscope/reader"
)

// addressFlag is a flag.Value holding a hexadecimal address
type addressFlag uint64

func (a *addressFlag) String() string {
	return fmt.Sprintf("%#x", uint64(*a))
}

func (a *addressFlag) Set(text string) error {
	value, err := reader.ParseAddress(text)
	if err != nil {
		return err
	}
	*a = addressFlag(value)
	return nil
}

// sourceFlags select the memory to read and the layout profile to read it with
type sourceFlags struct {
	snapshot    string
	pid         int
	profile     string
	glibc       string
	arch        string
	profileFile string
}

func (s *sourceFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&s.snapshot, "snapshot", "", "Snapshot directory holding "+reader.ManifestName)
	fs.IntVar(&s.pid, "pid", 0, "Read the memory of a live process instead of a snapshot")
	fs.StringVar(&s.profile, "profile", "", "Layout profile name, see the profiles command")
	fs.StringVar(&s.glibc, "glibc", "", "Select the layout profile by glibc version, such as 2.31")
	fs.StringVar(&s.arch, "arch", "amd64", "Architecture used with -glibc")
	fs.StringVar(&s.profileFile, "profiles", "", "JSON file of additional layout profiles")
}

func (s *sourceFlags) registry() (*layout.Registry, error) {
	registry := layout.DefaultRegistry()
	if s.profileFile != "" {
		_, err := registry.LoadProfileFile(s.profileFile)
		if err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (s *sourceFlags) selectProfile() (*layout.Profile, error) {
	registry, err := s.registry()
	if err != nil {
		return nil, err
	}

	switch {
	case s.profile != "":
		return registry.ByName(s.profile)
	case s.glibc != "":
		return registry.ForVersion(s.glibc, s.arch)
	default:
		return nil, errors.Wrap(layout.ErrUnsupportedProfile, "please specify -profile or -glibc")
	}
}

func (s *sourceFlags) open() (reader.Reader, error) {
	switch {
	case s.snapshot != "" && s.pid != 0:
		return nil, errors.New("please specify only one of -snapshot and -pid")
	case s.snapshot != "":
		snapshot, err := reader.LoadSnapshot(s.snapshot)
		if err != nil {
			return nil, err
		}
		return snapshot, nil
	case s.pid != 0:
		process, err := reader.NewProcessReader(s.pid)
		if err != nil {
			return nil, err
		}

		cache, err := reader.NewCachingReader(process, reader.CachingReaderOptions{ExternallySynchronized: true})
		if err != nil {
			return nil, err
		}
		return cache, nil
	default:
		return nil, errors.New("please specify -snapshot or -pid")
	}
}

func regionsOf(r reader.Reader) ([]reader.Region, error) {
	lister, ok := r.(reader.RegionLister)
	if !ok {
		return nil, errors.New("the memory source does not list its regions")
	}
	return lister.Regions(), nil
}

// hintFlags fill a heap.Hint
type hintFlags struct {
	arena     addressFlag
	seed      addressFlag
	seedChunk addressFlag
	image     addressFlag
	heapStart addressFlag
	tcache    addressFlag
	tcacheKey addressFlag
}

func (h *hintFlags) register(fs *flag.FlagSet) {
	fs.Var(&h.arena, "arena", "Address of the main arena")
	fs.Var(&h.seed, "seed", "Forward pointer of a chunk alone in the unsorted bin")
	fs.Var(&h.seedChunk, "chunk", "Address of a chunk alone in the unsorted bin")
	fs.Var(&h.image, "image", "Any address inside the image holding the arena, such as a return address")
	fs.Var(&h.heapStart, "heap", "Address of the first chunk of the main heap")
	fs.Var(&h.tcache, "tcache", "User pointer of the tcache_perthread_struct")
	fs.Var(&h.tcacheKey, "tcache-key", "Value freed tcache entries carry in their key field")
}

func (h *hintFlags) hint() heap.Hint {
	return heap.Hint{
		ArenaBase:      uint64(h.arena),
		Seed:           uint64(h.seed),
		SeedChunk:      uint64(h.seedChunk),
		ImageBaseGuess: uint64(h.image),
		HeapStart:      uint64(h.heapStart),
		TCacheBase:     uint64(h.tcache),
		TCacheKey:      uint64(h.tcacheKey),
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func writeOutput(path string, data []byte) error {
	var out io.Writer = os.Stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return errors.Wrapf(err, "failed to create %s", path)
		}
		defer f.Close()
		out = f
	}

	_, err := out.Write(append(data, '\n'))
	return err
}
