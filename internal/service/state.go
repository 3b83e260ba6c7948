package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/epubpress/courier/internal/model"
	"github.com/epubpress/courier/internal/store"
)

// StateRepository is the typed view over the persisted key-value state
type StateRepository struct {
	store store.Store
}

func NewStateRepository(s store.Store) *StateRepository {
	return &StateRepository{store: s}
}

// Load reads every key. Unparseable values fall back to their defaults.
func (r *StateRepository) Load(ctx context.Context) (model.PersistedState, error) {
	raw, err := r.store.Get(ctx, model.AllKeys...)
	if err != nil {
		return model.PersistedState{}, fmt.Errorf("failed to load state: %w", err)
	}

	st := model.PersistedState{
		PublishStatus: model.EmptyStatus(),
		PollingJobID:  raw[model.KeyPollingJobID],
		JobTitle:      raw[model.KeyJobTitle],
		Phase:         model.Phase(raw[model.KeyPhase]),
		Orchestration: raw[model.KeyOrchestrationID],
		Email:         raw[model.KeyEmail],
		FileType:      model.FileType(raw[model.KeyFileType]),
	}
	if v, ok := raw[model.KeyDownloadState]; ok {
		st.DownloadState, _ = strconv.ParseBool(v)
	}
	if v, ok := raw[model.KeyPublishStatus]; ok {
		var snap model.StatusSnapshot
		if json.Unmarshal([]byte(v), &snap) == nil {
			st.PublishStatus = snap
		}
	}
	if v, ok := raw[model.KeyStartedAt]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			st.StartedAt = &t
		}
	}
	return st, nil
}

// value reads a single key, "" when absent
func (r *StateRepository) value(ctx context.Context, key string) (string, error) {
	raw, err := r.store.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	return raw[key], nil
}

// PollingJobID returns the job currently being polled, "" when none
func (r *StateRepository) PollingJobID(ctx context.Context) (string, error) {
	return r.value(ctx, model.KeyPollingJobID)
}

// OrchestrationID returns the id of the active orchestration, "" when idle
func (r *StateRepository) OrchestrationID(ctx context.Context) (string, error) {
	return r.value(ctx, model.KeyOrchestrationID)
}

// Settings returns the delivery configuration as stored
func (r *StateRepository) Settings(ctx context.Context) (model.Settings, error) {
	raw, err := r.store.Get(ctx, model.KeyEmail, model.KeyFileType)
	if err != nil {
		return model.Settings{}, fmt.Errorf("failed to read settings: %w", err)
	}
	return model.Settings{Email: raw[model.KeyEmail], FileType: model.FileType(raw[model.KeyFileType])}, nil
}

// SaveSettings stores s; empty fields are removed so their defaults apply
func (r *StateRepository) SaveSettings(ctx context.Context, s model.Settings) error {
	p := newPatch()
	if s.Email == "" {
		p.del(model.KeyEmail)
	} else {
		p.set(model.KeyEmail, s.Email)
	}
	if s.FileType == "" {
		p.del(model.KeyFileType)
	} else {
		p.set(model.KeyFileType, string(s.FileType))
	}
	return r.apply(ctx, p)
}

func (r *StateRepository) apply(ctx context.Context, p *patch) error {
	if err := r.store.Update(ctx, p.sets, p.dels); err != nil {
		return fmt.Errorf("failed to update state: %w", err)
	}
	return nil
}

// patch collects one atomic state update
type patch struct {
	sets map[string]string
	dels []string
}

func newPatch() *patch {
	return &patch{sets: make(map[string]string)}
}

func (p *patch) set(key, value string) *patch {
	p.sets[key] = value
	return p
}

func (p *patch) del(keys ...string) *patch {
	p.dels = append(p.dels, keys...)
	return p
}

func (p *patch) downloadState(v bool) *patch {
	return p.set(model.KeyDownloadState, strconv.FormatBool(v))
}

func (p *patch) publishStatus(s model.StatusSnapshot) *patch {
	data, err := json.Marshal(s)
	if err != nil {
		data = []byte("{}")
	}
	return p.set(model.KeyPublishStatus, string(data))
}

func (p *patch) phase(ph model.Phase) *patch {
	if ph == model.PhaseIdle {
		return p.del(model.KeyPhase)
	}
	return p.set(model.KeyPhase, string(ph))
}

func (p *patch) startedAt(t time.Time) *patch {
	return p.set(model.KeyStartedAt, t.UTC().Format(time.RFC3339Nano))
}
