package pebble

import (
	"encoding/hex"
	"io"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/eigerco/kvbridge/pkg/comparator"
	"github.com/eigerco/kvbridge/pkg/status"
	"github.com/goccy/go-yaml"
	"golang.org/x/crypto/blake2b"
)

const registryFile = "KVBRIDGE-CF"

type familyRecord struct {
	Name          string   `yaml:"name"`
	ID            uint32   `yaml:"id"`
	Ordering      Ordering `yaml:"ordering"`
	Comparator    string   `yaml:"comparator"`
	CanEqualBytes bool     `yaml:"different_bytes_can_be_equal"`
	ProbeDigest   string   `yaml:"probe_digest,omitempty"`
}

// registry records which id and ordering every column family was created
// with. Ids are never reused, so a dropped and recreated family cannot see
// stale data.
type registry struct {
	NextID   uint32         `yaml:"next_id"`
	Families []familyRecord `yaml:"families"`
}

func loadRegistry(fs vfs.FS, dir string) (*registry, error) {
	f, err := fs.Open(fs.PathJoin(dir, registryFile))
	if oserror.IsNotExist(err) {
		return &registry{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "open column family registry")
	}
	defer f.Close() //nolint:errcheck // read only

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrap(err, "read column family registry")
	}
	var r registry
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, status.Newf(status.Corruption, "column family registry: %v", err).Wrap(err)
	}
	return &r, nil
}

// store replaces the registry file atomically.
func (r *registry) store(fs vfs.FS, dir string) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "encode column family registry")
	}
	final := fs.PathJoin(dir, registryFile)
	tmp := final + ".tmp"

	f, err := fs.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "create column family registry")
	}
	if _, err := f.Write(data); err != nil {
		f.Close() //nolint:errcheck // already failing
		return errors.Wrap(err, "write column family registry")
	}
	if err := f.Sync(); err != nil {
		f.Close() //nolint:errcheck // already failing
		return errors.Wrap(err, "sync column family registry")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close column family registry")
	}
	return errors.Wrap(fs.Rename(tmp, final), "install column family registry")
}

func (r *registry) lookup(name string) (familyRecord, bool) {
	for _, rec := range r.Families {
		if rec.Name == name {
			return rec, true
		}
	}
	return familyRecord{}, false
}

// resolve matches the configured families against the recorded ones,
// assigning ids to new families. It reports whether the registry changed.
func (r *registry) resolve(cfgs []ColumnFamilyOptions, cmps []comparator.Comparator) ([]familyRecord, bool, error) {
	out := make([]familyRecord, len(cfgs))
	changed := false
	opened := make(map[string]struct{}, len(cfgs))

	for i, cfg := range cfgs {
		opened[cfg.Name] = struct{}{}
		cmp := cmps[i]
		digest := probeDigest(cmp, cfg.ProbeKeys)

		rec, ok := r.lookup(cfg.Name)
		if !ok {
			rec = familyRecord{
				Name:          cfg.Name,
				ID:            r.NextID,
				Ordering:      cfg.Ordering,
				Comparator:    cmp.Name(),
				CanEqualBytes: cmp.CanKeysWithDifferentByteContentsBeEqual(),
				ProbeDigest:   digest,
			}
			r.NextID++
			r.Families = append(r.Families, rec)
			changed = true
			out[i] = rec
			continue
		}

		if rec.Comparator != cmp.Name() {
			return nil, false, status.Newf(status.InvalidArgument,
				"column family %q: comparator %q does not match %q it was created with",
				cfg.Name, cmp.Name(), rec.Comparator)
		}
		if rec.CanEqualBytes != cmp.CanKeysWithDifferentByteContentsBeEqual() {
			return nil, false, status.Newf(status.InvalidArgument,
				"column family %q: comparator %q changed its equal-bytes flag", cfg.Name, cmp.Name())
		}
		switch {
		case rec.ProbeDigest != "" && digest != "" && rec.ProbeDigest != digest:
			return nil, false, status.Newf(status.InvalidArgument,
				"column family %q: comparator %q orders the probe keys differently than at creation",
				cfg.Name, cmp.Name())
		case rec.ProbeDigest == "" && digest != "":
			r.setDigest(cfg.Name, digest)
			rec.ProbeDigest = digest
			changed = true
		}
		out[i] = rec
	}

	var missing []string
	for _, rec := range r.Families {
		if _, ok := opened[rec.Name]; !ok {
			missing = append(missing, rec.Name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, false, status.Newf(status.InvalidArgument,
			"column families not opened: %s", strings.Join(missing, ", "))
	}
	return out, changed, nil
}

func (r *registry) setDigest(name, digest string) {
	for i := range r.Families {
		if r.Families[i].Name == name {
			r.Families[i].ProbeDigest = digest
		}
	}
}

// probeDigest hashes the sign of every pairwise comparison of the probe keys.
func probeDigest(cmp comparator.Comparator, probes []string) string {
	if len(probes) == 0 {
		return ""
	}
	h, _ := blake2b.New256(nil)
	row := make([]byte, len(probes))
	for _, a := range probes {
		for j, b := range probes {
			row[j] = byte(comparator.Sign(cmp.Compare([]byte(a), []byte(b))))
		}
		h.Write(row) //nolint:errcheck // hash writes never fail
	}
	return hex.EncodeToString(h.Sum(nil))
}
