// Package model defines the domain types used across the application.
package model

import "time"

// SourceStatus is the membership state of a monitored source.
type SourceStatus string

// Supported source statuses.
const (
	StatusPending     SourceStatus = "pending"
	StatusJoined      SourceStatus = "joined"
	StatusUnreachable SourceStatus = "unreachable"
)

// Source is a monitored external chat or channel.
type Source struct {
	ID         int64
	Link       string
	ExternalID *int64
	Title      string
	Status     SourceStatus
	Owner      string
	IsActive   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DisplayName returns the title when known and the link otherwise.
func (s Source) DisplayName() string {
	if s.Title != "" {
		return s.Title
	}
	return s.Link
}

// Account is a worker identity declared in configuration.
type Account struct {
	Name     string
	Capacity int
	Searcher bool
}

// Configuration is a user's bundle of keywords and filters attached to sources.
type Configuration struct {
	ID          int64
	OwnerChatID int64
	Name        string
	CreatedAt   time.Time
}

// KeywordKind tells whether a keyword selects or rejects messages.
type KeywordKind string

// Supported keyword kinds.
const (
	KeywordInclude KeywordKind = "include"
	KeywordExclude KeywordKind = "exclude"
)

// Keyword is a single include or exclude word owned by a configuration.
type Keyword struct {
	ID              int64
	ConfigurationID int64
	Text            string
	Kind            KeywordKind
	CreatedAt       time.Time
}

// Filter is a logical expression over words, e.g. "buy + house" or "rent | lease".
type Filter struct {
	ID              int64
	ConfigurationID int64
	Expression      string
	CreatedAt       time.Time
}

// Ruleset is the evaluation view of a configuration, as cached by workers.
type Ruleset struct {
	ConfigurationID int64
	OwnerChatID     int64
	Name            string
	Include         []string
	Exclude         []string
	Filters         []string
}

// LeadMatch is an immutable record of a message that satisfied a configuration.
type LeadMatch struct {
	ID              int64
	ConfigurationID int64
	SourceID        int64
	MessageID       int64
	Text            string
	Link            string
	Keywords        []string
	SenderID        int64
	SenderUsername  string
	Worker          string
	CreatedAt       time.Time
}

// SearchResult is a chat found by a provider-side search.
type SearchResult struct {
	Username    string `json:"username"`
	Title       string `json:"title"`
	Link        string `json:"link"`
	Subscribers int    `json:"subscribers,omitempty"`
	Type        string `json:"type"`
	Relevance   int    `json:"relevance"`
}
