package storage

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"
)

// SessionConfig controls when a Session checkpoints and how hard it
// retries a failed one. NewSession uses it as given: a zero
// CheckpointEveryTxns or CheckpointEveryWALBytes turns that trigger
// off. LoadSessionConfig is what layers a file over
// DefaultSessionConfig's thresholds.
type SessionConfig struct {
	CheckpointEveryTxns     int           `yaml:"checkpoint_every_txns"`
	CheckpointEveryWALBytes int64         `yaml:"checkpoint_every_wal_bytes"`
	MinCheckpointInterval   time.Duration `yaml:"min_checkpoint_interval"`
	MaxCheckpointRetries    int           `yaml:"max_checkpoint_retries"`
	RetryBackoff            time.Duration `yaml:"retry_backoff"`
}

// DefaultSessionConfig returns the thresholds a Session uses when no
// config file is supplied.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		CheckpointEveryTxns:     128,
		CheckpointEveryWALBytes: 8 << 20,
		MinCheckpointInterval:   2 * time.Second,
		MaxCheckpointRetries:    3,
		RetryBackoff:            50 * time.Millisecond,
	}
}

// LoadSessionConfig reads a YAML checkpoint-policy file, layering it
// over DefaultSessionConfig for any field the file omits. A missing
// file is not an error: callers get the defaults.
func LoadSessionConfig(path string) (SessionConfig, error) {
	cfg := DefaultSessionConfig()
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, WrapError(Io, err, "read session config %s", path)
	}
	var override SessionConfig
	if err := yaml.Unmarshal(buf, &override); err != nil {
		return cfg, WrapError(Io, err, "parse session config %s", path)
	}
	if override.CheckpointEveryTxns > 0 {
		cfg.CheckpointEveryTxns = override.CheckpointEveryTxns
	}
	if override.CheckpointEveryWALBytes > 0 {
		cfg.CheckpointEveryWALBytes = override.CheckpointEveryWALBytes
	}
	if override.MinCheckpointInterval > 0 {
		cfg.MinCheckpointInterval = override.MinCheckpointInterval
	}
	if override.MaxCheckpointRetries > 0 {
		cfg.MaxCheckpointRetries = override.MaxCheckpointRetries
	}
	if override.RetryBackoff > 0 {
		cfg.RetryBackoff = override.RetryBackoff
	}
	return cfg, nil
}

// Incident records a commit-in-doubt or session-poisoning event for
// operator-facing diagnostics. ID disambiguates incidents across
// process restarts in logs and in any report written to disk.
type Incident struct {
	ID     string
	Kind   Kind
	At     time.Time
	Detail string
}

// DatabaseStats is the payload behind a `SHOW DATABASE STATS`-style
// report. The SQL statement itself is out of scope; this struct and
// its String method are what such a statement would marshal.
type DatabaseStats struct {
	PageCount    uint64
	FreePages    int
	CacheHits    uint64
	CacheMisses  uint64
	WALBytes     int64
	Incidents    int
	LastSanitize SanitizeReport
}

func (s DatabaseStats) String() string {
	return fmt.Sprintf(
		"pages=%s free=%s cache_hits=%d cache_misses=%d wal=%s incidents=%d",
		humanize.Comma(int64(s.PageCount)), humanize.Comma(int64(s.FreePages)),
		s.CacheHits, s.CacheMisses, humanize.Bytes(uint64(s.WALBytes)), s.Incidents,
	)
}

// CheckpointStats is the payload behind a `SHOW CHECKPOINT STATS`-style
// report.
type CheckpointStats struct {
	TxnsSinceCheckpoint int
	LastCheckpoint      time.Time
	LastCheckpointDur   time.Duration
	TotalCheckpoints    int
	FailedCheckpoints   int
}

func (s CheckpointStats) String() string {
	return fmt.Sprintf(
		"txns_since=%d last=%s took=%s total=%d failed=%d",
		s.TxnsSinceCheckpoint, humanize.Time(s.LastCheckpoint), s.LastCheckpointDur, s.TotalCheckpoints, s.FailedCheckpoints,
	)
}

// Session wraps a Pager with the checkpoint-threshold policy,
// bounded-retry-with-backoff checkpoint execution, and incident
// tracking that spec.md §4.10 assigns to the layer above raw
// transactions. One Session owns one Pager; a database file opened
// directly via Pager without a Session gets no automatic
// checkpointing.
type Session struct {
	mu     sync.Mutex
	pager  *Pager
	cfg    SessionConfig
	logger *sessionLogger

	txnsSinceCheckpoint int
	lastCheckpoint      time.Time
	totalCheckpoints    int
	failedCheckpoints   int
	incidents           []Incident
	poisoned            bool
}

// NewSession wraps p with cfg's checkpoint policy.
func NewSession(p *Pager, cfg SessionConfig) *Session {
	return &Session{
		pager:          p,
		cfg:            cfg,
		logger:         newSessionLogger(os.Stderr),
		lastCheckpoint: time.Now(),
	}
}

// Begin starts a new transaction against the session's pager, unless
// the session has been poisoned by a prior commit-in-doubt failure.
func (s *Session) Begin() (*Transaction, error) {
	s.mu.Lock()
	poisoned := s.poisoned
	s.mu.Unlock()
	if poisoned {
		return nil, NewError(SessionPoisoned, "session poisoned by a prior commit-in-doubt incident; reopen the database to recover")
	}
	return Begin(s.pager)
}

// Commit commits tx through the session, recording a SessionPoisoned
// incident and disabling further Begin calls if the commit pipeline
// fails in a way that leaves durability indeterminate, then runs the
// checkpoint policy.
func (s *Session) Commit(tx *Transaction) error {
	err := tx.Commit()
	if err != nil {
		if kind, ok := KindOf(err); ok && kind == CommitInDoubt {
			s.mu.Lock()
			s.poisoned = true
			inc := Incident{ID: uuid.NewString(), Kind: SessionPoisoned, At: time.Now(), Detail: err.Error()}
			s.incidents = append(s.incidents, inc)
			s.mu.Unlock()
			s.logger.logIncident(inc)
		}
		return err
	}

	s.mu.Lock()
	s.txnsSinceCheckpoint++
	due := s.checkpointDueLocked()
	s.mu.Unlock()

	if due {
		if cpErr := s.checkpointWithRetry(); cpErr != nil {
			s.logger.logf("checkpoint failed after retries: %v", cpErr)
			return cpErr
		}
	}
	return nil
}

func (s *Session) checkpointDueLocked() bool {
	if time.Since(s.lastCheckpoint) < s.cfg.MinCheckpointInterval {
		return false
	}
	if s.cfg.CheckpointEveryTxns > 0 && s.txnsSinceCheckpoint >= s.cfg.CheckpointEveryTxns {
		return true
	}
	if s.cfg.CheckpointEveryWALBytes > 0 {
		if info, err := os.Stat(s.pager.walPath); err == nil && info.Size() >= s.cfg.CheckpointEveryWALBytes {
			return true
		}
	}
	return false
}

func (s *Session) checkpointWithRetry() error {
	var lastErr error
	backoff := s.cfg.RetryBackoff
	for attempt := 0; attempt <= s.cfg.MaxCheckpointRetries; attempt++ {
		start := time.Now()
		err := s.pager.Checkpoint()
		if err == nil {
			s.mu.Lock()
			s.txnsSinceCheckpoint = 0
			s.lastCheckpoint = time.Now()
			s.totalCheckpoints++
			s.mu.Unlock()
			s.logger.logf("checkpoint complete in %s", time.Since(start))
			return nil
		}
		lastErr = err
		s.mu.Lock()
		s.failedCheckpoints++
		s.mu.Unlock()
		if attempt < s.cfg.MaxCheckpointRetries {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return WrapError(Io, lastErr, "checkpoint failed after %d attempts", s.cfg.MaxCheckpointRetries+1)
}

// Stats reports the session's current database-level statistics.
func (s *Session) Stats() DatabaseStats {
	s.pager.mu.RLock()
	h := s.pager.header
	cacheHits, cacheMisses := s.pager.cache.hits, s.pager.cache.misses
	freeCount := s.pager.free.Count()
	s.pager.mu.RUnlock()

	walInfo, _ := os.Stat(s.pager.walPath)
	var walBytes int64
	if walInfo != nil {
		walBytes = walInfo.Size()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return DatabaseStats{
		PageCount:    h.PageCount,
		FreePages:    freeCount,
		CacheHits:    cacheHits,
		CacheMisses:  cacheMisses,
		WALBytes:     walBytes,
		Incidents:    len(s.incidents),
		LastSanitize: s.pager.lastSanitize,
	}
}

// CheckpointStats reports the session's current checkpoint-policy
// statistics.
func (s *Session) CheckpointStats() CheckpointStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return CheckpointStats{
		TxnsSinceCheckpoint: s.txnsSinceCheckpoint,
		LastCheckpoint:      s.lastCheckpoint,
		TotalCheckpoints:    s.totalCheckpoints,
		FailedCheckpoints:   s.failedCheckpoints,
	}
}

// Incidents returns a copy of every incident recorded so far.
func (s *Session) Incidents() []Incident {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Incident, len(s.incidents))
	copy(out, s.incidents)
	return out
}

// Close checkpoints and closes the underlying pager.
func (s *Session) Close() error {
	return s.pager.Close()
}

// sessionLogger writes human-readable, TTY-colorized incident and
// checkpoint lines to stderr, matching the inspection CLI's own
// terminal-output conventions.
type sessionLogger struct {
	out      *os.File
	colorize bool
}

func newSessionLogger(f *os.File) *sessionLogger {
	return &sessionLogger{out: f, colorize: isatty.IsTerminal(f.Fd())}
}

func (l *sessionLogger) logf(format string, args ...interface{}) {
	w := colorable.NewColorable(l.out)
	if l.colorize {
		fmt.Fprintf(w, "\x1b[36m[murodb]\x1b[0m "+format+"\n", args...)
		return
	}
	fmt.Fprintf(w, "[murodb] "+format+"\n", args...)
}

func (l *sessionLogger) logIncident(inc Incident) {
	w := colorable.NewColorable(l.out)
	if l.colorize {
		fmt.Fprintf(w, "\x1b[31m[murodb incident %s]\x1b[0m %s: %s\n", inc.ID, inc.Kind, inc.Detail)
		return
	}
	fmt.Fprintf(w, "[murodb incident %s] %s: %s\n", inc.ID, inc.Kind, inc.Detail)
}
