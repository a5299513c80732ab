package layout

import (
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slices"
)

// Registry holds the profiles available to a run, looked up by name or by glibc version
type Registry struct {
	mutex    sync.RWMutex
	profiles *swiss.Map[string, *Profile]
}

func NewRegistry() *Registry {
	return &Registry{
		profiles: swiss.NewMap[string, *Profile](16),
	}
}

// DefaultRegistry returns a registry holding the built-in profiles
func DefaultRegistry() *Registry {
	registry := NewRegistry()
	for _, profile := range BuiltinProfiles() {
		err := registry.Register(profile)
		if err != nil {
			panic(err)
		}
	}
	return registry
}

// Register validates profile and adds it. Registering a second profile under an existing
// name replaces the first, so profile files can override the built-ins.
func (r *Registry) Register(profile *Profile) error {
	err := profile.Validate()
	if err != nil {
		return err
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.profiles.Put(profile.Name, profile)
	return nil
}

// ByName returns the profile registered under name
func (r *Registry) ByName(name string) (*Profile, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	profile, ok := r.profiles.Get(name)
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedProfile, "no profile named %q", name)
	}
	return profile, nil
}

// ForVersion returns the profile for the glibc version on arch. When several profiles match,
// the one with the lowest name wins so the lookup is deterministic.
func (r *Registry) ForVersion(version string, arch string) (*Profile, error) {
	parsed, err := semver.NewVersion(version)
	if err != nil {
		return nil, errors.Wrapf(ErrUnsupportedProfile, "invalid glibc version %q: %v", version, err)
	}

	for _, profile := range r.Profiles() {
		if profile.Arch == arch && profile.MatchesVersion(parsed) {
			return profile, nil
		}
	}

	return nil, errors.Wrapf(ErrUnsupportedProfile, "no profile for glibc %s on %s", version, arch)
}

// Profiles returns every registered profile ordered by name
func (r *Registry) Profiles() []*Profile {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	profiles := make([]*Profile, 0, r.profiles.Count())
	r.profiles.Iter(func(name string, profile *Profile) bool {
		profiles = append(profiles, profile)
		return false
	})

	slices.SortFunc(profiles, func(left, right *Profile) bool {
		return left.Name < right.Name
	})
	return profiles
}
