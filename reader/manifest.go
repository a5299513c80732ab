package reader

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jreader"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// ManifestName is the name of the file describing the regions of a snapshot directory
const ManifestName = "manifest.json"

type manifestEntry struct {
	region Region
	file   string
}

// ParseAddress parses a hexadecimal address with or without a 0x prefix
func ParseAddress(text string) (uint64, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(text), "0x"), "0X")
	value, err := strconv.ParseUint(trimmed, 16, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid address %q", text)
	}
	return value, nil
}

func parseManifest(data []byte) ([]manifestEntry, error) {
	var entries []manifestEntry
	var parseErr error

	r := jreader.NewReader(data)
	for obj := r.Object(); obj.Next(); {
		if string(obj.Name()) != "regions" {
			continue
		}

		for arr := r.Array(); arr.Next(); {
			var entry manifestEntry
			var start, end string
			for regionObj := r.Object(); regionObj.Next(); {
				switch string(regionObj.Name()) {
				case "start":
					start = r.String()
				case "end":
					end = r.String()
				case "perms":
					entry.region.Perms = r.String()
				case "name":
					entry.region.Name = r.String()
				case "file":
					entry.file = r.String()
				}
			}

			var err error
			entry.region.Start, err = ParseAddress(start)
			if err != nil && parseErr == nil {
				parseErr = err
			}
			entry.region.End, err = ParseAddress(end)
			if err != nil && parseErr == nil {
				parseErr = err
			}
			entries = append(entries, entry)
		}
	}

	if err := r.Error(); err != nil {
		return nil, errors.Wrap(err, "malformed snapshot manifest")
	}
	if parseErr != nil {
		return nil, errors.Wrap(parseErr, "malformed snapshot manifest")
	}

	return entries, nil
}

// LoadSnapshot reads a snapshot directory: a manifest.json listing the regions plus one raw
// file per region
func LoadSnapshot(dir string) (*Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read snapshot manifest in %s", dir)
	}

	entries, err := parseManifest(data)
	if err != nil {
		return nil, err
	}

	snapshot := NewSnapshot()
	for _, entry := range entries {
		if entry.file == "" {
			return nil, errors.Newf("region %s has no backing file", entry.region)
		}

		contents, err := os.ReadFile(filepath.Join(dir, entry.file))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read region %s", entry.region)
		}

		err = snapshot.AddRegion(entry.region, contents)
		if err != nil {
			return nil, err
		}
	}

	return snapshot, nil
}

// Save writes the snapshot into dir in the format read by LoadSnapshot
func (s *Snapshot) Save(dir string) error {
	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return errors.Wrapf(err, "failed to create snapshot directory %s", dir)
	}

	writer := jwriter.NewWriter()
	obj := writer.Object()
	regions := obj.Name("regions").Array()
	for _, seg := range s.segments {
		file := fmt.Sprintf("%x-%x.bin", seg.Start, seg.End)
		err = os.WriteFile(filepath.Join(dir, file), seg.data, 0o644)
		if err != nil {
			return errors.Wrapf(err, "failed to write region %s", seg.Region)
		}

		regionObj := regions.Object()
		regionObj.Name("start").String(fmt.Sprintf("%#x", seg.Start))
		regionObj.Name("end").String(fmt.Sprintf("%#x", seg.End))
		regionObj.Name("perms").String(seg.Perms)
		regionObj.Name("name").String(seg.Name)
		regionObj.Name("file").String(file)
		regionObj.End()
	}
	regions.End()
	obj.End()

	if err := writer.Error(); err != nil {
		return errors.Wrap(err, "failed to encode snapshot manifest")
	}

	return os.WriteFile(filepath.Join(dir, ManifestName), writer.Bytes(), 0o644)
}
