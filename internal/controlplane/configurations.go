package controlplane

import (
	"context"
	"fmt"
	"strings"

	"leadwatch/internal/coordinator"
	"leadwatch/internal/filter"
	"leadwatch/internal/model"
)

// CreateConfiguration creates an empty configuration for a user.
func (s *Service) CreateConfiguration(ctx context.Context, ownerChatID int64, name string) (*model.Configuration, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty configuration name", ErrInvalidArgument)
	}
	c := &model.Configuration{OwnerChatID: ownerChatID, Name: name}
	if err := s.store.CreateConfiguration(ctx, c); err != nil {
		return nil, fmt.Errorf("create configuration: %w", err)
	}
	return c, nil
}

// Configurations lists the configurations of a user.
func (s *Service) Configurations(ctx context.Context, ownerChatID int64) ([]model.Configuration, error) {
	return s.store.ListConfigurations(ctx, ownerChatID)
}

// AttachSource registers a chat link and attaches it to a configuration.
func (s *Service) AttachSource(ctx context.Context, configurationID int64, rawLink string) (*model.Source, error) {
	if _, err := s.store.GetConfiguration(ctx, configurationID); err != nil {
		return nil, fmt.Errorf("get configuration %d: %w", configurationID, err)
	}
	src, err := s.RegisterSource(ctx, rawLink)
	if src == nil {
		return nil, err
	}
	if err != nil {
		// Unowned sources are picked up by the next rebalance.
		s.log.Warn().Err(err).Int64("source_id", src.ID).Msg("source attached without owner")
	}
	if err := s.store.AttachSource(ctx, configurationID, src.ID); err != nil {
		return nil, fmt.Errorf("attach source: %w", err)
	}
	s.invalidate(ctx, coordinator.Invalidation{SourceID: src.ID})
	return src, err
}

// DetachSource removes a source from a configuration. When no
// configuration references it anymore it is deleted or deactivated.
func (s *Service) DetachSource(ctx context.Context, configurationID, sourceID int64) error {
	remaining, err := s.store.DetachSource(ctx, configurationID, sourceID)
	if err != nil {
		return fmt.Errorf("detach source: %w", err)
	}
	s.invalidate(ctx, coordinator.Invalidation{SourceID: sourceID})
	if remaining > 0 {
		return nil
	}

	src, err := s.store.GetSource(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("get source: %w", err)
	}
	if s.opts.GCOnLastDetach {
		if err := s.store.DeleteSource(ctx, sourceID); err != nil {
			return fmt.Errorf("delete source: %w", err)
		}
		s.log.Info().Int64("source_id", sourceID).Msg("source deleted after last detach")
	} else {
		if err := s.store.SetSourceActive(ctx, sourceID, false); err != nil {
			return fmt.Errorf("deactivate source: %w", err)
		}
		s.log.Info().Int64("source_id", sourceID).Msg("source deactivated after last detach")
	}
	if src.Owner != "" {
		s.reload(ctx, coordinator.ReloadSignal{Worker: src.Owner})
	}
	return nil
}

// Sources lists the sources attached to a configuration.
func (s *Service) Sources(ctx context.Context, configurationID int64) ([]model.Source, error) {
	return s.store.ListConfigurationSources(ctx, configurationID)
}

// AddKeyword adds an include or exclude keyword to a configuration.
func (s *Service) AddKeyword(ctx context.Context, configurationID int64, text string, kind model.KeywordKind) (*model.Keyword, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty keyword", ErrInvalidArgument)
	}
	if kind != model.KeywordInclude && kind != model.KeywordExclude {
		return nil, fmt.Errorf("%w: keyword kind %q", ErrInvalidArgument, kind)
	}
	if _, err := s.store.GetConfiguration(ctx, configurationID); err != nil {
		return nil, fmt.Errorf("get configuration %d: %w", configurationID, err)
	}

	kw := &model.Keyword{ConfigurationID: configurationID, Text: text, Kind: kind}
	if err := s.store.CreateKeyword(ctx, kw); err != nil {
		return nil, fmt.Errorf("create keyword: %w", err)
	}
	s.invalidate(ctx, coordinator.Invalidation{ConfigurationID: configurationID})
	return kw, nil
}

// RemoveKeyword deletes a keyword.
func (s *Service) RemoveKeyword(ctx context.Context, id int64) error {
	kw, err := s.store.GetKeyword(ctx, id)
	if err != nil {
		return fmt.Errorf("get keyword %d: %w", id, err)
	}
	if err := s.store.DeleteKeyword(ctx, id); err != nil {
		return fmt.Errorf("delete keyword: %w", err)
	}
	s.invalidate(ctx, coordinator.Invalidation{ConfigurationID: kw.ConfigurationID})
	return nil
}

// Keywords lists the keywords of a configuration.
func (s *Service) Keywords(ctx context.Context, configurationID int64) ([]model.Keyword, error) {
	return s.store.ListKeywords(ctx, configurationID)
}

// AddFilter adds a logical filter such as "buy + house | flat".
func (s *Service) AddFilter(ctx context.Context, configurationID int64, expression string) (*model.Filter, error) {
	expression = strings.TrimSpace(expression)
	if err := filter.Validate(expression); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	if _, err := s.store.GetConfiguration(ctx, configurationID); err != nil {
		return nil, fmt.Errorf("get configuration %d: %w", configurationID, err)
	}

	f := &model.Filter{ConfigurationID: configurationID, Expression: expression}
	if err := s.store.CreateFilter(ctx, f); err != nil {
		return nil, fmt.Errorf("create filter: %w", err)
	}
	s.invalidate(ctx, coordinator.Invalidation{ConfigurationID: configurationID})
	return f, nil
}

// RemoveFilter deletes a filter.
func (s *Service) RemoveFilter(ctx context.Context, id int64) error {
	f, err := s.store.GetFilter(ctx, id)
	if err != nil {
		return fmt.Errorf("get filter %d: %w", id, err)
	}
	if err := s.store.DeleteFilter(ctx, id); err != nil {
		return fmt.Errorf("delete filter: %w", err)
	}
	s.invalidate(ctx, coordinator.Invalidation{ConfigurationID: f.ConfigurationID})
	return nil
}

// Filters lists the filters of a configuration.
func (s *Service) Filters(ctx context.Context, configurationID int64) ([]model.Filter, error) {
	return s.store.ListFilters(ctx, configurationID)
}

// Leads lists the newest lead matches of a configuration.
func (s *Service) Leads(ctx context.Context, configurationID int64, limit int) ([]model.LeadMatch, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.store.ListLeadMatches(ctx, configurationID, limit)
}
