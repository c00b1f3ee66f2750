package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/celerix-dev/celerix-beacon/pkg/schema"
)

const runPrefix = "run/"

// BadgerConfig configures a BadgerStore.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	// SyncWrites fsyncs every transition before Put returns.
	SyncWrites bool
	// RetainFor is how long terminal runs are kept. Zero keeps them forever.
	RetainFor time.Duration
	// GCInterval runs value log GC periodically. Zero disables it.
	GCInterval time.Duration
	Logger     *slog.Logger
}

// BadgerStore persists runs in BadgerDB under run/{user}/{revision}.
// Terminal runs are written with a TTL so they expire after RetainFor.
type BadgerStore struct {
	db        *badger.DB
	retainFor time.Duration
	log       *slog.Logger
	stop      chan struct{}
	done      chan struct{}
}

type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

// OpenBadger opens (or creates) a run store.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create run store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{log: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}

	s := &BadgerStore{
		db:        db,
		retainFor: cfg.RetainFor,
		log:       cfg.Logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		go s.gcLoop(cfg.GCInterval)
	} else {
		close(s.done)
	}
	return s, nil
}

func runKeyBytes(userID string, revision int64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", runPrefix, userID, revision))
}

func userPrefix(userID string) []byte {
	return []byte(runPrefix + userID + "/")
}

func (s *BadgerStore) Put(_ context.Context, run schema.EscalationRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	e := badger.NewEntry(runKeyBytes(run.UserID, run.Revision), data)
	if run.State.Terminal() && s.retainFor > 0 {
		e = e.WithTTL(s.retainFor)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(e)
	})
}

func (s *BadgerStore) Get(_ context.Context, userID string, revision int64) (schema.EscalationRun, bool, error) {
	var run schema.EscalationRun
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(runKeyBytes(userID, revision))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &run) })
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return schema.EscalationRun{}, false, nil
	}
	if err != nil {
		return schema.EscalationRun{}, false, fmt.Errorf("read run: %w", err)
	}
	return run, true, nil
}

func (s *BadgerStore) Latest(_ context.Context, userID string) (schema.EscalationRun, bool, error) {
	prefix := userPrefix(userID)
	var (
		run   schema.EscalationRun
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// In reverse mode Seek lands on the largest key <= the seek key.
		it.Seek(append(append([]byte{}, prefix...), 0xFF))
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		found = true
		return it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &run) })
	})
	if err != nil {
		return schema.EscalationRun{}, false, fmt.Errorf("read latest run: %w", err)
	}
	return run, found, nil
}

func (s *BadgerStore) Live(_ context.Context) ([]schema.EscalationRun, error) {
	var out []schema.EscalationRun
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(runPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var run schema.EscalationRun
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &run) }); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			if !run.State.Terminal() {
				out = append(out, run)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list live runs: %w", err)
	}
	return out, nil
}

func (s *BadgerStore) gcLoop(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Warn("run store value log GC failed", "error", err)
			}
		}
	}
}

// Close stops GC and closes the database.
func (s *BadgerStore) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}
