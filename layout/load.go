package layout

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jreader"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

func readProfile(r *jreader.Reader) (*Profile, error) {
	profile := &Profile{SizeFieldMask: sizeFieldMask}
	var fieldErr error
	setUint := func(out *uint64) {
		value := r.Int()
		if value < 0 && fieldErr == nil {
			fieldErr = errors.Newf("negative value %d", value)
		}
		*out = uint64(value)
	}

	for obj := r.Object(); obj.Next(); {
		switch string(obj.Name()) {
		case "Name":
			profile.Name = r.String()
		case "Arch":
			profile.Arch = r.String()
		case "Versions":
			profile.Versions = r.String()
		case "PtrSize":
			profile.PtrSize = r.Int()
		case "ChunkHeaderSize":
			setUint(&profile.ChunkHeaderSize)
		case "SizeFieldMask":
			text := r.String()
			mask, err := strconv.ParseUint(strings.TrimPrefix(text, "0x"), 16, 64)
			if err != nil && fieldErr == nil {
				fieldErr = errors.Wrapf(err, "invalid size mask %q", text)
			}
			profile.SizeFieldMask = mask
		case "MinChunkSize":
			setUint(&profile.MinChunkSize)
		case "Alignment":
			setUint(&profile.Alignment)
		case "PageSize":
			setUint(&profile.PageSize)
		case "FastbinCount":
			profile.FastbinCount = r.Int()
		case "MaxFastSize":
			setUint(&profile.MaxFastSize)
		case "FastbinsOffset":
			setUint(&profile.FastbinsOffset)
		case "TopOffset":
			setUint(&profile.TopOffset)
		case "LastRemainderOffset":
			setUint(&profile.LastRemainderOffset)
		case "BinHeadArrayOffset":
			setUint(&profile.BinHeadArrayOffset)
		case "NextOffset":
			setUint(&profile.NextOffset)
		case "SystemMemOffset":
			setUint(&profile.SystemMemOffset)
		case "ArenaSize":
			setUint(&profile.ArenaSize)
		case "TCacheEnabled":
			profile.TCacheEnabled = r.Bool()
		case "TCacheBins":
			profile.TCacheBins = r.Int()
		case "TCacheCountSize":
			profile.TCacheCountSize = r.Int()
		case "TCacheEntriesOffset":
			setUint(&profile.TCacheEntriesOffset)
		case "TCacheFillCount":
			profile.TCacheFillCount = r.Int()
		case "TCacheKeyFieldOffset":
			setUint(&profile.TCacheKeyFieldOffset)
		case "TCacheKeyKind":
			kind, err := ParseTCacheKeyKind(r.String())
			if err != nil && fieldErr == nil {
				fieldErr = err
			}
			profile.TCacheKeyKind = kind
		case "SafeLinking":
			profile.SafeLinking = r.Bool()
		}
	}

	if fieldErr != nil {
		return nil, errors.Wrapf(fieldErr, "profile %q", profile.Name)
	}
	return profile, nil
}

// LoadProfiles parses a profile file of the form {"Profiles": [{...}, ...]}. Every profile
// is validated; the first invalid one fails the whole file.
func LoadProfiles(data []byte) ([]*Profile, error) {
	var profiles []*Profile

	r := jreader.NewReader(data)
	for obj := r.Object(); obj.Next(); {
		if string(obj.Name()) != "Profiles" {
			continue
		}

		for arr := r.Array(); arr.Next(); {
			profile, err := readProfile(&r)
			if err != nil {
				return nil, err
			}
			profiles = append(profiles, profile)
		}
	}

	if err := r.Error(); err != nil {
		return nil, errors.Wrap(err, "malformed profile file")
	}

	for _, profile := range profiles {
		err := profile.Validate()
		if err != nil {
			return nil, err
		}
	}

	return profiles, nil
}

// LoadProfileFile reads a profile file from disk and registers every profile in it
func (r *Registry) LoadProfileFile(path string) ([]*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read profile file %s", path)
	}

	profiles, err := LoadProfiles(data)
	if err != nil {
		return nil, errors.Wrapf(err, "profile file %s", path)
	}

	for _, profile := range profiles {
		err = r.Register(profile)
		if err != nil {
			return nil, err
		}
	}

	return profiles, nil
}

// ProfileJsonData populates a json object with every field of the profile, in the format
// read back by LoadProfiles
func (p *Profile) ProfileJsonData(json jwriter.ObjectState) {
	json.Name("Name").String(p.Name)
	json.Name("Arch").String(p.Arch)
	json.Name("Versions").String(p.Versions)
	json.Name("PtrSize").Int(p.PtrSize)
	json.Name("ChunkHeaderSize").Int(int(p.ChunkHeaderSize))
	json.Name("SizeFieldMask").String(fmt.Sprintf("%#x", p.SizeFieldMask))
	json.Name("MinChunkSize").Int(int(p.MinChunkSize))
	json.Name("Alignment").Int(int(p.Alignment))
	json.Name("PageSize").Int(int(p.PageSize))
	json.Name("FastbinCount").Int(p.FastbinCount)
	json.Name("MaxFastSize").Int(int(p.MaxFastSize))
	json.Name("FastbinsOffset").Int(int(p.FastbinsOffset))
	json.Name("TopOffset").Int(int(p.TopOffset))
	json.Name("LastRemainderOffset").Int(int(p.LastRemainderOffset))
	json.Name("BinHeadArrayOffset").Int(int(p.BinHeadArrayOffset))
	json.Name("NextOffset").Int(int(p.NextOffset))
	json.Name("SystemMemOffset").Int(int(p.SystemMemOffset))
	json.Name("ArenaSize").Int(int(p.ArenaSize))
	json.Name("TCacheEnabled").Bool(p.TCacheEnabled)
	if p.TCacheEnabled {
		json.Name("TCacheBins").Int(p.TCacheBins)
		json.Name("TCacheCountSize").Int(p.TCacheCountSize)
		json.Name("TCacheEntriesOffset").Int(int(p.TCacheEntriesOffset))
		json.Name("TCacheFillCount").Int(p.TCacheFillCount)
		json.Name("TCacheKeyFieldOffset").Int(int(p.TCacheKeyFieldOffset))
		json.Name("TCacheKeyKind").String(p.TCacheKeyKind.String())
	}
	json.Name("SafeLinking").Bool(p.SafeLinking)
}

// WriteProfiles renders profiles in the format read by LoadProfiles
func WriteProfiles(writer *jwriter.Writer, profiles []*Profile) {
	obj := writer.Object()
	defer obj.End()

	arr := obj.Name("Profiles").Array()
	defer arr.End()

	for _, profile := range profiles {
		profileObj := arr.Object()
		profile.ProfileJsonData(profileObj)
		profileObj.End()
	}
}
