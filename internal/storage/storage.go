// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"

	"leadwatch/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Storage is the interface for all persistence operations.
type Storage interface {
	CreateSource(ctx context.Context, src *model.Source) error
	GetSource(ctx context.Context, id int64) (*model.Source, error)
	GetSourceByLink(ctx context.Context, link string) (*model.Source, error)
	ListActiveSources(ctx context.Context) ([]model.Source, error)
	ListSourcesByOwner(ctx context.Context, owner string) ([]model.Source, error)
	CountSourcesByOwner(ctx context.Context, owner string) (int, error)
	SetSourceOwner(ctx context.Context, id int64, owner string) (bool, error)
	MarkSourceJoined(ctx context.Context, id int64, owner string, externalID int64, title string) (bool, error)
	SetSourceStatus(ctx context.Context, id int64, owner string, status model.SourceStatus) (bool, error)
	SetSourceActive(ctx context.Context, id int64, active bool) error
	DeleteSource(ctx context.Context, id int64) error

	CreateConfiguration(ctx context.Context, c *model.Configuration) error
	GetConfiguration(ctx context.Context, id int64) (*model.Configuration, error)
	ListConfigurations(ctx context.Context, ownerChatID int64) ([]model.Configuration, error)
	AttachSource(ctx context.Context, configurationID, sourceID int64) error
	DetachSource(ctx context.Context, configurationID, sourceID int64) (int, error)
	ListSourceConfigurations(ctx context.Context, sourceID int64) ([]int64, error)
	ListConfigurationSources(ctx context.Context, configurationID int64) ([]model.Source, error)
	CountConfigurationsByOwner(ctx context.Context, owner string) (int, error)
	OwnerOfConfiguration(ctx context.Context, configurationID int64) (string, bool, error)

	CreateKeyword(ctx context.Context, kw *model.Keyword) error
	ListKeywords(ctx context.Context, configurationID int64) ([]model.Keyword, error)
	GetKeyword(ctx context.Context, id int64) (*model.Keyword, error)
	DeleteKeyword(ctx context.Context, id int64) error

	CreateFilter(ctx context.Context, f *model.Filter) error
	ListFilters(ctx context.Context, configurationID int64) ([]model.Filter, error)
	GetFilter(ctx context.Context, id int64) (*model.Filter, error)
	DeleteFilter(ctx context.Context, id int64) error

	GetRuleset(ctx context.Context, configurationID int64) (*model.Ruleset, error)

	CreateLeadMatch(ctx context.Context, m *model.LeadMatch) (bool, error)
	ListLeadMatches(ctx context.Context, configurationID int64, limit int) ([]model.LeadMatch, error)

	Close() error
}
