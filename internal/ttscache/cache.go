// Package ttscache stores synthesized replies on disk so that a phrase is
// only ever synthesized once per voice.
//
// Entries live at <dir>/<md5(text + "_" + voice)>.wav. The cache is shared
// across turns and calls; concurrent requests for the same key are collapsed
// into one synthesis, and entries are written atomically so a crash never
// leaves a truncated file behind.
package ttscache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/aiphone/aiphone/internal/observe"
	"github.com/aiphone/aiphone/pkg/audio"
	"github.com/aiphone/aiphone/pkg/provider/tts"
)

// DefaultDir is the cache directory used when none is configured.
const DefaultDir = ".tts_cache"

// DefaultSynthesisTimeout bounds one provider call. Callers sharing it stop
// waiting when their own context ends, but the synthesis itself runs on.
const DefaultSynthesisTimeout = time.Minute

// CommonPhrases are synthesized ahead of the first call by [Cache.Preload].
var CommonPhrases = []string{
	"Hello! How can I help you today?",
	"I'm sorry, I didn't understand that.",
	"Could you please repeat that?",
	"Thank you for your question.",
	"Is there anything else you'd like to know?",
	"I'll help you with that.",
	"Let me think about that.",
	"I'm processing your request.",
	"I'm sorry, I can't help with that.",
	"Goodbye, have a nice day!",
}

// Key returns the cache key of text spoken in voice.
func Key(text, voice string) string {
	sum := md5.Sum([]byte(text + "_" + voice))
	return hex.EncodeToString(sum[:])
}

// Stats counts cache lookups.
type Stats struct {
	Hits   int64
	Misses int64
}

// Cache is a disk-backed synthesis cache in front of a [tts.Provider].
type Cache struct {
	dir      string
	provider tts.Provider
	speed    float64
	timeout  time.Duration
	metrics  *observe.Metrics
	logger   *slog.Logger

	group  singleflight.Group
	hits   atomic.Int64
	misses atomic.Int64
}

// Option is a functional option for [New].
type Option func(*Cache)

// WithSpeed sets the speaking rate passed to the provider.
func WithSpeed(f float64) Option {
	return func(c *Cache) { c.speed = f }
}

// WithSynthesisTimeout bounds one provider call. Default: [DefaultSynthesisTimeout].
func WithSynthesisTimeout(d time.Duration) Option {
	return func(c *Cache) { c.timeout = d }
}

// WithMetrics counts lookups on m. Without it lookups are only reflected in
// [Cache.Stats].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// New returns a cache storing entries in dir, creating it if needed.
func New(dir string, p tts.Provider, opts ...Option) (*Cache, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ttscache: create %s: %w", dir, err)
	}
	c := &Cache{dir: dir, provider: p, timeout: DefaultSynthesisTimeout, logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

// Path returns where the entry for text in voice is stored.
func (c *Cache) Path(text, voice string) string {
	return filepath.Join(c.dir, Key(text, voice)+".wav")
}

// Synthesize returns the path of a WAV file with text spoken in voice,
// synthesizing and storing it on a miss. Failures wrap [tts.ErrSynthesis].
func (c *Cache) Synthesize(ctx context.Context, text, voice string) (string, error) {
	if text == "" {
		return "", fmt.Errorf("%w: ttscache: empty text", tts.ErrSynthesis)
	}
	path := c.Path(text, voice)
	if cached(path) {
		c.hits.Add(1)
		c.record(ctx, true)
		c.logger.Debug("tts cache hit", "path", path)
		return path, nil
	}

	ch := c.group.DoChan(path, func() (any, error) {
		// Another caller may have filled the entry while we waited.
		if cached(path) {
			return nil, nil
		}
		c.misses.Add(1)
		c.record(ctx, false)
		// The leader's cancellation must not fail callers waiting on the
		// same entry.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		wav, err := c.provider.Synthesize(sctx, text, tts.VoiceProfile{ID: voice, SpeedFactor: c.speed})
		if err != nil {
			return nil, err
		}
		if _, err := audio.ParseWAV(wav); err != nil {
			return nil, fmt.Errorf("ttscache: provider returned invalid audio: %w", err)
		}
		return nil, writeAtomic(path, wav)
	})
	var (
		err    error
		shared bool
	)
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case res := <-ch:
		err, shared = res.Err, res.Shared
	}
	if err != nil {
		if errors.Is(err, tts.ErrSynthesis) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", tts.ErrSynthesis, err)
	}
	if shared {
		c.logger.Debug("tts synthesis shared with a concurrent request", "path", path)
	}
	return path, nil
}

// Preload synthesizes every phrase not yet cached in voice. It keeps going
// after a failed phrase and returns the number of phrases newly cached
// together with all failures joined.
func (c *Cache) Preload(ctx context.Context, voice string, phrases ...string) (int, error) {
	if len(phrases) == 0 {
		phrases = CommonPhrases
	}
	var (
		added int
		errs  []error
	)
	for _, p := range phrases {
		if err := ctx.Err(); err != nil {
			return added, err
		}
		if cached(c.Path(p, voice)) {
			continue
		}
		if _, err := c.Synthesize(ctx, p, voice); err != nil {
			errs = append(errs, fmt.Errorf("phrase %q: %w", p, err))
			continue
		}
		added++
	}
	return added, errors.Join(errs...)
}

func (c *Cache) record(ctx context.Context, hit bool) {
	if c.metrics != nil {
		c.metrics.RecordCacheLookup(ctx, hit)
	}
}

// Stats returns the lookup counters.
func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

func cached(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular() && fi.Size() > 0
}

func writeAtomic(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*.wav")
	if err != nil {
		return fmt.Errorf("ttscache: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("ttscache: write %s: %w", tmp.Name(), err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("ttscache: sync %s: %w", tmp.Name(), err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("ttscache: close %s: %w", tmp.Name(), err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("ttscache: rename into %s: %w", path, err)
	}
	return nil
}
