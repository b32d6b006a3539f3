// ABOUTME: Data models for whiteboard documents
// ABOUTME: Defines Element, Page, Document, Mutation, and Snapshot structs
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ElementKind is the closed set of element variants.
type ElementKind string

const (
	KindText        ElementKind = "text"
	KindImage       ElementKind = "image"
	KindChart       ElementKind = "chart"
	KindShape       ElementKind = "shape"
	KindFile        ElementKind = "file"
	KindAIGenerated ElementKind = "ai-generated"
)

// ElementKinds lists every valid element kind.
var ElementKinds = []ElementKind{KindText, KindImage, KindChart, KindShape, KindFile, KindAIGenerated}

// Valid reports whether k is one of the known element kinds.
func (k ElementKind) Valid() bool {
	for _, kind := range ElementKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// MutationKind identifies what a mutation record does to a document.
type MutationKind string

const (
	MutationCreate         MutationKind = "create"
	MutationAddElement     MutationKind = "add-element"
	MutationUpdateElement  MutationKind = "update-element"
	MutationRemoveElement  MutationKind = "remove-element"
	MutationAddPage        MutationKind = "add-page"
	MutationSetActivePage  MutationKind = "set-active-page"
	MutationUpdateSettings MutationKind = "update-settings"
)

// Defaults for new pages, elements and settings.
const (
	DefaultBackground = "white"
	DefaultGridSize   = 20
	DefaultTheme      = "light"
)

const maxDocumentIDLength = 128

type Geometry struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Rotation float64 `json:"rotation"`
}

type Style struct {
	Color           string  `json:"color,omitempty"`
	BackgroundColor string  `json:"background_color,omitempty"`
	FontSize        float64 `json:"font_size,omitempty"`
	FontFamily      string  `json:"font_family,omitempty"`
	Opacity         float64 `json:"opacity,omitempty"`
	BorderColor     string  `json:"border_color,omitempty"`
	BorderWidth     float64 `json:"border_width,omitempty"`
}

type Provenance struct {
	CreatedBy      string     `json:"created_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastModifiedBy string     `json:"last_modified_by,omitempty"`
	LastModifiedAt *time.Time `json:"last_modified_at,omitempty"`
	SourceType     string     `json:"source_type,omitempty"`
	SourceURL      string     `json:"source_url,omitempty"`
}

// Element is one addressable visual unit on a page.
type Element struct {
	ID         string          `json:"id"`
	Kind       ElementKind     `json:"kind"`
	Content    json.RawMessage `json:"content"`
	Geometry   Geometry        `json:"geometry"`
	Style      Style           `json:"style"`
	Provenance Provenance      `json:"provenance"`
	Version    int64           `json:"version"`
}

type Page struct {
	Number     int       `json:"page_number"`
	Elements   []Element `json:"elements"`
	Background string    `json:"background"`
	Thumbnail  string    `json:"thumbnail,omitempty"`
}

type Settings struct {
	GridEnabled bool   `json:"grid_enabled"`
	SnapToGrid  bool   `json:"snap_to_grid"`
	GridSize    int    `json:"grid_size"`
	Theme       string `json:"theme"`
}

// DefaultSettings returns the display settings a new document starts with.
func DefaultSettings() Settings {
	return Settings{GridSize: DefaultGridSize, Theme: DefaultTheme}
}

// Document is the versioned aggregate root for one session's whiteboard.
type Document struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Pages      []Page    `json:"pages"`
	ActivePage int       `json:"active_page"`
	Settings   Settings  `json:"settings"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DocumentInfo is the unversioned lifecycle record of a document.
type DocumentInfo struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	CreatedBy string     `json:"created_by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	FrozenAt  *time.Time `json:"frozen_at,omitempty"`
}

// Frozen reports whether the owning session has ended.
func (i DocumentInfo) Frozen() bool {
	return i.FrozenAt != nil
}

// Mutation is one committed, versioned change to a document.
type Mutation struct {
	ID         string       `json:"id"`
	DocumentID string       `json:"document_id"`
	Version    int64        `json:"version"`
	Kind       MutationKind `json:"kind"`
	PageNumber int          `json:"page_number,omitempty"`
	ElementID  string       `json:"element_id,omitempty"`
	Element    *Element     `json:"element,omitempty"`
	Tombstone  bool         `json:"tombstone,omitempty"`
	Page       *Page        `json:"page,omitempty"`
	Settings   *Settings    `json:"settings,omitempty"`
	SessionID  string       `json:"session_id,omitempty"`
	ActorID    string       `json:"actor_id,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

// Snapshot is a materialized document state tagged with its version.
type Snapshot struct {
	DocumentID string    `json:"document_id"`
	Version    int64     `json:"version"`
	State      Document  `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
}

// ElementSpec is the caller-supplied description of a new element.
type ElementSpec struct {
	Kind       ElementKind     `json:"type"`
	Content    json.RawMessage `json:"content"`
	Geometry   Geometry        `json:"position"`
	Style      Style           `json:"style"`
	SourceType string          `json:"source_type,omitempty"`
	SourceURL  string          `json:"source_url,omitempty"`
}

// Validate checks the spec before an element is built from it.
func (s ElementSpec) Validate() error {
	if !s.Kind.Valid() {
		return ErrInvalidElement
	}
	if len(s.Content) == 0 || string(s.Content) == "null" || !json.Valid(s.Content) {
		return ErrInvalidElement
	}
	return nil
}

// Validate checks that any provided payload is well formed JSON.
func (u ElementUpdate) Validate() error {
	if len(u.Content) > 0 && (string(u.Content) == "null" || !json.Valid(u.Content)) {
		return ErrInvalidElement
	}
	return nil
}

// ElementUpdate is a partial update; nil fields are preserved.
type ElementUpdate struct {
	Content    json.RawMessage `json:"content,omitempty"`
	Geometry   *Geometry       `json:"position,omitempty"`
	Style      *Style          `json:"style,omitempty"`
	SourceType *string         `json:"source_type,omitempty"`
	SourceURL  *string         `json:"source_url,omitempty"`
}

// Empty reports whether the update changes nothing.
func (u ElementUpdate) Empty() bool {
	return len(u.Content) == 0 && u.Geometry == nil && u.Style == nil && u.SourceType == nil && u.SourceURL == nil
}

// SettingsUpdate is a partial settings change; nil fields are preserved.
type SettingsUpdate struct {
	GridEnabled *bool   `json:"grid_enabled,omitempty"`
	SnapToGrid  *bool   `json:"snap_to_grid,omitempty"`
	GridSize    *int    `json:"grid_size,omitempty"`
	Theme       *string `json:"theme,omitempty"`
}

// Validate rejects settings no canvas can render.
func (u SettingsUpdate) Validate() error {
	if u.GridSize != nil && *u.GridSize <= 0 {
		return fmt.Errorf("%w: grid size must be positive", ErrInvalidMutation)
	}
	if u.Theme != nil && strings.TrimSpace(*u.Theme) == "" {
		return fmt.Errorf("%w: theme must not be blank", ErrInvalidMutation)
	}
	return nil
}

// ValidateDocumentID rejects ids that cannot be used as storage keys.
func ValidateDocumentID(id string) error {
	if id == "" || len(id) > maxDocumentIDLength {
		return ErrInvalidDocumentID
	}
	if strings.ContainsAny(id, "/ \t\r\n") {
		return ErrInvalidDocumentID
	}
	return nil
}
