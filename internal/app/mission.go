package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"coverline/internal/config"
	"coverline/internal/domain"
	"coverline/internal/events"
	"coverline/internal/repo"
)

// ResolveMission loads a mission by file path, falling back to a stored
// mission of that name.
func ResolveMission(ctx context.Context, r repo.Repo, ref string) (*config.Mission, error) {
	if ref == "" {
		return nil, errors.New("mission not specified")
	}
	if looksLikePath(ref) {
		return config.Load(ref)
	}
	if r.DB == nil {
		return nil, fmt.Errorf("mission %s not found", ref)
	}
	rec, err := r.GetMission(ctx, ref)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("mission %s not found", ref)
		}
		return nil, err
	}
	m, err := config.FromYAML([]byte(rec.YAML))
	if err != nil {
		return nil, fmt.Errorf("stored mission %s: %w", ref, err)
	}
	if m.Name == "" {
		m.Name = rec.Name
	}
	return m, nil
}

func looksLikePath(ref string) bool {
	if strings.ContainsRune(ref, os.PathSeparator) || strings.HasSuffix(ref, ".yaml") ||
		strings.HasSuffix(ref, ".yml") || strings.HasSuffix(ref, ".json") {
		return true
	}
	_, err := os.Stat(ref)
	return err == nil
}

// SaveMission validates m and stores it under its name.
func SaveMission(ctx context.Context, r repo.Repo, w events.Writer, m *config.Mission, now time.Time) (domain.MissionRecord, error) {
	if m.Name == "" {
		return domain.MissionRecord{}, errors.New("mission name is required")
	}
	c := m.Clone()
	c.Normalize()
	if err := c.Validate(); err != nil {
		return domain.MissionRecord{}, err
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return domain.MissionRecord{}, err
	}
	rec := domain.MissionRecord{
		Name:      m.Name,
		Scenario:  m.Scenario,
		YAML:      string(data),
		UpdatedAt: now.UTC().Format(time.RFC3339),
	}
	if err := r.UpsertMission(ctx, rec); err != nil {
		return rec, err
	}
	if err := w.Append(ctx, nil, events.Record{
		Type:       events.TypeMissionSaved,
		EntityKind: "mission",
		EntityID:   m.Name,
		Payload:    events.EventPayload{"units": len(m.Units), "domains": len(m.Domains)},
	}); err != nil {
		return rec, err
	}
	return rec, nil
}
