package invidx

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// IndexOptions is the set of per-index knobs an administrator can tune
// at CREATE INDEX time, loaded from a small YAML document the way the
// teacher's table layer loads its own options.
type IndexOptions struct {
	// PageSize overrides the default page.DefaultSize. Must be a power
	// of two between page.MinSize and page.MaxSize.
	PageSize int `yaml:"page_size"`

	// UseFastUpdate enables the pending-list insertion buffer; inserts
	// are appended to the pending list and only flushed into the entry
	// tree in bulk, trading slower first-scan-after-insert latency for
	// faster bulk insert throughput.
	UseFastUpdate bool `yaml:"use_fast_update"`

	// PendingListFlushBytes is loaded with the other options, but
	// nothing reads it: the pending list is flushed only by an explicit
	// Index.FlushPending call.
	PendingListFlushBytes int64 `yaml:"pending_list_flush_bytes"`

	// InlineItemThreshold is the max number of items an entry-tree
	// leaf tuple keeps inline before it is promoted to a posting tree.
	InlineItemThreshold int `yaml:"inline_item_threshold"`

	// BuildFlushBytes is the build-time accumulator's memory cap
	// before it flushes a generation to the entry tree.
	BuildFlushBytes int64 `yaml:"build_flush_bytes"`
}

// DefaultIndexOptions returns the options used when no YAML
// configuration is supplied.
func DefaultIndexOptions() IndexOptions {
	return IndexOptions{
		PageSize:              8192,
		UseFastUpdate:         false,
		PendingListFlushBytes: 4 << 20,
		InlineItemThreshold:   64,
		BuildFlushBytes:       16 << 20,
	}
}

// LoadIndexOptions reads and parses a YAML document of index options,
// filling in defaults for anything left unset.
func LoadIndexOptions(path string) (IndexOptions, error) {
	opts := DefaultIndexOptions()
	buf, err := os.ReadFile(path)
	if err != nil {
		return opts, errors.Wrap(err, "invidx: read index options")
	}
	if err := yaml.Unmarshal(buf, &opts); err != nil {
		return opts, errors.Wrap(err, "invidx: parse index options")
	}
	return opts, nil
}
