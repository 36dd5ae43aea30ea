package chainstore

import (
	"github.com/kjdunn/chainstore/internal/engine"
	"github.com/kjdunn/chainstore/internal/hintcache"
	"github.com/kjdunn/chainstore/internal/valuecodec"
)

// Option configures a store opened via OpenKV, OpenSet, or OpenList.
type Option func(*config)

type config struct {
	Quiet bool

	IteratorSlice  int
	OpOneByOne     bool
	MinIntervalSec int64
	ChainCap       int

	Serializer Serializer
	HintCache  hintcache.Cache
	Compress   bool

	Logger Logger
}

func defaultConfig() config {
	return config{
		Quiet:          false,
		IteratorSlice:  engine.DefaultIteratorSlice,
		OpOneByOne:     false,
		MinIntervalSec: 7200,
		ChainCap:       0,
		Serializer:     GobSerializer{},
		HintCache:      hintcache.NewART(),
		Compress:       false,
		Logger:         noopLogger{},
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.IteratorSlice <= 0 {
		cfg.IteratorSlice = engine.DefaultIteratorSlice
	}
	if cfg.OpOneByOne {
		cfg.IteratorSlice = 1
	}
	if cfg.MinIntervalSec < 0 {
		cfg.MinIntervalSec = 0
	}
	if cfg.Serializer == nil {
		cfg.Serializer = GobSerializer{}
	}
	if cfg.HintCache == nil {
		cfg.HintCache = hintcache.NoHintCache{}
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	return cfg
}

func (c config) codec() valuecodec.Kind {
	if c.Compress {
		return valuecodec.Snappy
	}
	return valuecodec.None
}

// WithQuiet suppresses operational warnings from the engine.
func WithQuiet(v bool) Option { return func(c *config) { c.Quiet = v } }

// WithLogger sets the destination for operational warnings. Ignored when
// WithQuiet(true) is also set.
func WithLogger(v Logger) Option { return func(c *config) { c.Logger = v } }

// WithIteratorSlice sets the bucket-window size an Iterator reads per
// refill. Smaller windows minimize staleness under concurrent writers at
// the cost of more, smaller reads; larger windows trade the other way.
// Default 10000.
func WithIteratorSlice(n int) Option { return func(c *config) { c.IteratorSlice = n } }

// WithOpOneByOne forces IteratorSlice to 1 for every Iterator the handle
// creates. Optimize's backfill does not read IteratorSlice; it always
// processes one bucket at a time.
func WithOpOneByOne(v bool) Option { return func(c *config) { c.OpOneByOne = v } }

// WithOptimizeMinInterval sets the minimum number of seconds Optimize
// requires to have elapsed since the store's createTime before it will
// run. Default 7200.
func WithOptimizeMinInterval(seconds int64) Option {
	return func(c *config) { c.MinIntervalSec = seconds }
}

// WithChainLengthCap bounds in-bucket chain walks; records beyond the cap
// become invisible to every operation that walks a chain. Zero (the
// default) disables the cap.
func WithChainLengthCap(n int) Option { return func(c *config) { c.ChainCap = n } }

// WithSerializer overrides the default GobSerializer used to encode KV and
// List values.
func WithSerializer(s Serializer) Option { return func(c *config) { c.Serializer = s } }

// WithHintCache overrides the process-local offset-hint cache KV lookups
// consult before falling back to a full chain walk. Pass hintcache.NoHintCache{}
// to disable it outright.
func WithHintCache(hc hintcache.Cache) Option { return func(c *config) { c.HintCache = hc } }

// WithCompression enables snappy compression of stored KV values,
// independent of the Serializer hook.
func WithCompression(v bool) Option { return func(c *config) { c.Compress = v } }
