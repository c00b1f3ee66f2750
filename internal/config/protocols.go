package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/celerix-dev/celerix-beacon/pkg/schema"
)

var validate = validator.New()

// Catalog is the protocol file: crisis protocols, per-user assignments and
// the premade message catalog.
type Catalog struct {
	DefaultProtocol string                  `yaml:"default_protocol"`
	Protocols       []schema.CrisisProtocol `yaml:"protocols" validate:"dive"`
	Assignments     map[string]string       `yaml:"assignments"`
	PremadeMessages []schema.PremadeMessage `yaml:"premade_messages" validate:"dive"`
}

// DefaultCatalog is used when no protocol file is configured.
func DefaultCatalog() Catalog {
	return Catalog{
		DefaultProtocol: "standard",
		Protocols: []schema.CrisisProtocol{{
			ID:          "standard",
			Name:        "Standard escalation",
			Description: "Check in with the user, then alert friends, then emergency contacts.",
			Enabled:     true,
			Steps: []schema.CrisisStep{
				{Order: 1, Action: schema.ActionCheckIn, Description: "Ask the user to confirm they are safe", TimeoutSeconds: 300, Required: true},
				{Order: 2, Action: schema.ActionNotifyFriends, Description: "Alert visible friends", TimeoutSeconds: 900, Required: true},
				{Order: 3, Action: schema.ActionContactEmergency, Description: "Call emergency contacts", TimeoutSeconds: 1800, Required: true},
				{Order: 4, Action: schema.ActionAlertOperations, Description: "Escalate to the support team", Required: false},
			},
		}},
		PremadeMessages: []schema.PremadeMessage{
			{ID: "yellow-thinking", Type: schema.StatusYellow, Content: "Thinking of you. Here if you want to talk.", Category: "support"},
			{ID: "yellow-coffee", Type: schema.StatusYellow, Content: "Want to grab a coffee or go for a walk?", Category: "company"},
			{ID: "red-calling", Type: schema.StatusRed, Content: "I'm calling you right now.", Category: "urgent"},
			{ID: "red-coming", Type: schema.StatusRed, Content: "I'm on my way to you.", Category: "urgent"},
			{ID: "red-here", Type: schema.StatusRed, Content: "I'm here for you. You're not alone.", Category: "support"},
		},
	}
}

// Validate checks struct tags and cross references.
func (c Catalog) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	ids := make(map[string]bool, len(c.Protocols))
	for _, p := range c.Protocols {
		if ids[p.ID] {
			return fmt.Errorf("duplicate protocol id %q", p.ID)
		}
		ids[p.ID] = true
	}
	if c.DefaultProtocol != "" && !ids[c.DefaultProtocol] {
		return fmt.Errorf("default_protocol %q is not defined", c.DefaultProtocol)
	}
	for user, id := range c.Assignments {
		if !ids[id] {
			return fmt.Errorf("assignment for %s references unknown protocol %q", user, id)
		}
	}
	seen := make(map[string]bool, len(c.PremadeMessages))
	for _, m := range c.PremadeMessages {
		if seen[m.ID] {
			return fmt.Errorf("duplicate premade message id %q", m.ID)
		}
		seen[m.ID] = true
	}
	return nil
}

// LoadCatalog reads and validates a protocol file.
func LoadCatalog(path string) (Catalog, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read protocols: %w", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(content, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse protocols %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, fmt.Errorf("invalid protocols %s: %w", path, err)
	}
	return c, nil
}

// Registry serves the current catalog. Reloads swap the whole snapshot, so
// callers always see one consistent version; escalation runs copy what they
// need at start and are unaffected by later reloads.
type Registry struct {
	path    string
	current atomic.Pointer[Catalog]
	log     *slog.Logger
}

// NewRegistry loads path, or the default catalog when path is empty.
func NewRegistry(path string, log *slog.Logger) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{path: path, log: log.With("component", "protocols")}
	if path == "" {
		c := DefaultCatalog()
		r.current.Store(&c)
		return r, nil
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewStaticRegistry serves a fixed catalog.
func NewStaticRegistry(c Catalog) *Registry {
	r := &Registry{log: slog.Default()}
	r.current.Store(&c)
	return r
}

// Catalog returns the current snapshot.
func (r *Registry) Catalog() Catalog { return *r.current.Load() }

// Reload re-reads the file. On error the previous catalog stays active.
func (r *Registry) Reload() error {
	if r.path == "" {
		return nil
	}
	c, err := LoadCatalog(r.path)
	if err != nil {
		return err
	}
	r.current.Store(&c)
	r.log.Info("protocols loaded", "file", r.path, "protocols", len(c.Protocols), "premade_messages", len(c.PremadeMessages))
	return nil
}

// ProtocolFor returns the enabled protocol assigned to userID, falling back
// to the default protocol.
func (r *Registry) ProtocolFor(userID string) (schema.CrisisProtocol, bool) {
	c := r.current.Load()
	id := c.DefaultProtocol
	if assigned, ok := c.Assignments[userID]; ok {
		id = assigned
	}
	for _, p := range c.Protocols {
		if p.ID == id {
			return p, p.Enabled
		}
	}
	return schema.CrisisProtocol{}, false
}

// Premade returns the templated messages, optionally filtered by status.
func (r *Registry) Premade(status schema.Status) []schema.PremadeMessage {
	c := r.current.Load()
	var out []schema.PremadeMessage
	for _, m := range c.PremadeMessages {
		if status == "" || m.Type == status {
			out = append(out, m)
		}
	}
	return out
}

// PremadeByID looks up one templated message.
func (r *Registry) PremadeByID(id string) (schema.PremadeMessage, bool) {
	for _, m := range r.current.Load().PremadeMessages {
		if m.ID == id {
			return m, true
		}
	}
	return schema.PremadeMessage{}, false
}

// Watch reloads the file whenever it changes until ctx is cancelled. The
// directory is watched so editors that replace the file are handled.
func (r *Registry) Watch(ctx context.Context) error {
	if r.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	abs, err := filepath.Abs(r.path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(100 * time.Millisecond)
		case <-debounce:
			debounce = nil
			if err := r.Reload(); err != nil {
				r.log.Error("protocol reload rejected, keeping previous version", "file", r.path, "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if !errors.Is(err, fsnotify.ErrEventOverflow) {
				r.log.Warn("protocol watcher error", "error", err)
			}
		}
	}
}
