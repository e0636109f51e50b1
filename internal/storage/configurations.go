package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"leadwatch/internal/model"
)

// CreateConfiguration inserts a new configuration and populates its ID and CreatedAt.
func (s *SQLite) CreateConfiguration(ctx context.Context, c *model.Configuration) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO configurations (owner_chat_id, name, created_at) VALUES (?, ?, ?)`,
		c.OwnerChatID, c.Name, now,
	)
	if err != nil {
		return fmt.Errorf("insert configuration: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	c.ID = id
	c.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// GetConfiguration returns a single configuration by its ID.
func (s *SQLite) GetConfiguration(ctx context.Context, id int64) (*model.Configuration, error) {
	var c model.Configuration
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_chat_id, name, created_at FROM configurations WHERE id = ?`, id,
	).Scan(&c.ID, &c.OwnerChatID, &c.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scan configuration: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan configuration: %w", err)
	}
	c.CreatedAt, _ = time.Parse(timeLayout, created)
	return &c, nil
}

// ListConfigurations returns all configurations belonging to the given chat.
func (s *SQLite) ListConfigurations(ctx context.Context, ownerChatID int64) ([]model.Configuration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_chat_id, name, created_at FROM configurations WHERE owner_chat_id = ? ORDER BY id`,
		ownerChatID,
	)
	if err != nil {
		return nil, fmt.Errorf("query configurations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Configuration
	for rows.Next() {
		var c model.Configuration
		var created string
		if err := rows.Scan(&c.ID, &c.OwnerChatID, &c.Name, &created); err != nil {
			return nil, fmt.Errorf("scan configuration: %w", err)
		}
		c.CreatedAt, _ = time.Parse(timeLayout, created)
		out = append(out, c)
	}
	return out, rows.Err()
}

// AttachSource links a source to a configuration. Attaching twice is a no-op.
func (s *SQLite) AttachSource(ctx context.Context, configurationID, sourceID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO configuration_sources (configuration_id, source_id) VALUES (?, ?)`,
		configurationID, sourceID,
	)
	if err != nil {
		return fmt.Errorf("attach source: %w", err)
	}
	return nil
}

// DetachSource unlinks a source from a configuration and returns how many
// configurations still reference the source.
func (s *SQLite) DetachSource(ctx context.Context, configurationID, sourceID int64) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM configuration_sources WHERE configuration_id = ? AND source_id = ?`,
		configurationID, sourceID,
	); err != nil {
		return 0, fmt.Errorf("detach source: %w", err)
	}
	var remaining int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM configuration_sources WHERE source_id = ?`, sourceID,
	).Scan(&remaining); err != nil {
		return 0, fmt.Errorf("count references: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return remaining, nil
}

// ListSourceConfigurations returns the IDs of configurations attached to a source.
func (s *SQLite) ListSourceConfigurations(ctx context.Context, sourceID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT configuration_id FROM configuration_sources WHERE source_id = ? ORDER BY configuration_id`,
		sourceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query source configurations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan configuration id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListConfigurationSources returns the sources attached to a configuration.
func (s *SQLite) ListConfigurationSources(ctx context.Context, configurationID int64) ([]model.Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.link, s.external_id, s.title, s.status, s.owner, s.is_active, s.created_at, s.updated_at
		 FROM sources s
		 JOIN configuration_sources cs ON cs.source_id = s.id
		 WHERE cs.configuration_id = ?
		 ORDER BY s.id`,
		configurationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query configuration sources: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSources(rows)
}

// CountConfigurationsByOwner returns the number of distinct configurations
// reachable through the active sources owned by a worker.
func (s *SQLite) CountConfigurationsByOwner(ctx context.Context, owner string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT cs.configuration_id)
		 FROM configuration_sources cs
		 JOIN sources s ON s.id = cs.source_id
		 WHERE s.owner = ? AND s.is_active = 1`,
		owner,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count configurations by owner: %w", err)
	}
	return count, nil
}

// OwnerOfConfiguration returns the worker owning the lowest-ID active source
// of a configuration. The boolean is false when no such source is owned.
func (s *SQLite) OwnerOfConfiguration(ctx context.Context, configurationID int64) (string, bool, error) {
	var owner string
	err := s.db.QueryRowContext(ctx,
		`SELECT s.owner
		 FROM sources s
		 JOIN configuration_sources cs ON cs.source_id = s.id
		 WHERE cs.configuration_id = ? AND s.is_active = 1 AND s.owner IS NOT NULL
		 ORDER BY s.id
		 LIMIT 1`,
		configurationID,
	).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query configuration owner: %w", err)
	}
	return owner, true, nil
}

// CreateKeyword inserts a new keyword and populates its ID and CreatedAt.
func (s *SQLite) CreateKeyword(ctx context.Context, kw *model.Keyword) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO keywords (configuration_id, text, kind, created_at) VALUES (?, ?, ?, ?)`,
		kw.ConfigurationID, kw.Text, string(kw.Kind), now,
	)
	if err != nil {
		return fmt.Errorf("insert keyword: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	kw.ID = id
	kw.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// ListKeywords returns all keywords of a configuration.
func (s *SQLite) ListKeywords(ctx context.Context, configurationID int64) ([]model.Keyword, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, configuration_id, text, kind, created_at FROM keywords
		 WHERE configuration_id = ? ORDER BY id`, configurationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query keywords: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Keyword
	for rows.Next() {
		kw, err := scanKeyword(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *kw)
	}
	return out, rows.Err()
}

// GetKeyword returns a single keyword by its ID.
func (s *SQLite) GetKeyword(ctx context.Context, id int64) (*model.Keyword, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, configuration_id, text, kind, created_at FROM keywords WHERE id = ?`, id,
	)
	return scanKeyword(row)
}

// DeleteKeyword removes a keyword by its ID.
func (s *SQLite) DeleteKeyword(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM keywords WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete keyword: %w", err)
	}
	return nil
}

// CreateFilter inserts a new filter and populates its ID and CreatedAt.
func (s *SQLite) CreateFilter(ctx context.Context, f *model.Filter) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO filters (configuration_id, expression, created_at) VALUES (?, ?, ?)`,
		f.ConfigurationID, f.Expression, now,
	)
	if err != nil {
		return fmt.Errorf("insert filter: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	f.ID = id
	f.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// ListFilters returns all filters of a configuration.
func (s *SQLite) ListFilters(ctx context.Context, configurationID int64) ([]model.Filter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, configuration_id, expression, created_at FROM filters
		 WHERE configuration_id = ? ORDER BY id`, configurationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query filters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Filter
	for rows.Next() {
		f, err := scanFilter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// GetFilter returns a single filter by its ID.
func (s *SQLite) GetFilter(ctx context.Context, id int64) (*model.Filter, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, configuration_id, expression, created_at FROM filters WHERE id = ?`, id,
	)
	return scanFilter(row)
}

// DeleteFilter removes a filter by its ID.
func (s *SQLite) DeleteFilter(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM filters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete filter: %w", err)
	}
	return nil
}

// GetRuleset loads the evaluation view of a configuration.
func (s *SQLite) GetRuleset(ctx context.Context, configurationID int64) (*model.Ruleset, error) {
	c, err := s.GetConfiguration(ctx, configurationID)
	if err != nil {
		return nil, err
	}
	keywords, err := s.ListKeywords(ctx, configurationID)
	if err != nil {
		return nil, err
	}
	filters, err := s.ListFilters(ctx, configurationID)
	if err != nil {
		return nil, err
	}

	rs := &model.Ruleset{
		ConfigurationID: c.ID,
		OwnerChatID:     c.OwnerChatID,
		Name:            c.Name,
	}
	for _, kw := range keywords {
		switch kw.Kind {
		case model.KeywordInclude:
			rs.Include = append(rs.Include, kw.Text)
		case model.KeywordExclude:
			rs.Exclude = append(rs.Exclude, kw.Text)
		}
	}
	for _, f := range filters {
		rs.Filters = append(rs.Filters, f.Expression)
	}
	return rs, nil
}

// CreateLeadMatch appends a lead match. A second record for the same
// provider message and configuration is ignored; the boolean reports
// whether a row was written.
func (s *SQLite) CreateLeadMatch(ctx context.Context, m *model.LeadMatch) (bool, error) {
	keywords, err := json.Marshal(nonNil(m.Keywords))
	if err != nil {
		return false, fmt.Errorf("encode keywords: %w", err)
	}
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO lead_matches
		 (configuration_id, source_id, message_id, message_text, message_link, matched_keywords,
		  sender_id, sender_username, worker, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ConfigurationID, m.SourceID, m.MessageID, m.Text, m.Link, string(keywords),
		m.SenderID, m.SenderUsername, m.Worker, now,
	)
	if err != nil {
		return false, fmt.Errorf("insert lead match: %w", err)
	}
	created, err := affected(res)
	if err != nil || !created {
		return false, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("last insert id: %w", err)
	}
	m.ID = id
	m.CreatedAt, _ = time.Parse(timeLayout, now)
	return true, nil
}

// ListLeadMatches returns the most recent lead matches of a configuration,
// newest first. A non-positive limit returns all of them.
func (s *SQLite) ListLeadMatches(ctx context.Context, configurationID int64, limit int) ([]model.LeadMatch, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, configuration_id, source_id, message_id, message_text, message_link, matched_keywords,
		        sender_id, sender_username, worker, created_at
		 FROM lead_matches WHERE configuration_id = ? ORDER BY id DESC LIMIT ?`,
		configurationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query lead matches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.LeadMatch
	for rows.Next() {
		var m model.LeadMatch
		var keywords, created string
		if err := rows.Scan(&m.ID, &m.ConfigurationID, &m.SourceID, &m.MessageID, &m.Text, &m.Link,
			&keywords, &m.SenderID, &m.SenderUsername, &m.Worker, &created); err != nil {
			return nil, fmt.Errorf("scan lead match: %w", err)
		}
		if err := json.Unmarshal([]byte(keywords), &m.Keywords); err != nil {
			return nil, fmt.Errorf("decode keywords: %w", err)
		}
		m.CreatedAt, _ = time.Parse(timeLayout, created)
		out = append(out, m)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func scanKeyword(row scannable) (*model.Keyword, error) {
	var kw model.Keyword
	var kind, created string
	err := row.Scan(&kw.ID, &kw.ConfigurationID, &kw.Text, &kind, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scan keyword: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan keyword: %w", err)
	}
	kw.Kind = model.KeywordKind(kind)
	kw.CreatedAt, _ = time.Parse(timeLayout, created)
	return &kw, nil
}

func scanFilter(row scannable) (*model.Filter, error) {
	var f model.Filter
	var created string
	err := row.Scan(&f.ID, &f.ConfigurationID, &f.Expression, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scan filter: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan filter: %w", err)
	}
	f.CreatedAt, _ = time.Parse(timeLayout, created)
	return &f, nil
}
