package stores

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a record or attachment does not exist or is
// owned by someone else.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when a record's state forbids the change.
var ErrConflict = errors.New("record state conflict")

// Record is one native object of the dummy cloud.
type Record struct {
	ID         string         `json:"id"`
	Subtype    string         `json:"subtype"`
	Name       string         `json:"name"`
	Summary    string         `json:"summary"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes"`
	Mixins     []string       `json:"mixins"`
	Owner      string         `json:"owner"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Attachment is a sub-object of a record, addressed by its parent and a
// per-parent index. Network interfaces and storage links are attachments.
type Attachment struct {
	ParentID   string         `json:"parent_id"`
	Subtype    string         `json:"subtype"`
	Index      int            `json:"index"`
	TargetID   string         `json:"target_id"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes"`
	Mixins     []string       `json:"mixins"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Config holds SQLite store configuration.
type Config struct {
	// Path is a file path or ":memory:".
	Path string

	// ConnMaxLifetime bounds how long a pooled connection is reused.
	ConnMaxLifetime time.Duration
}
