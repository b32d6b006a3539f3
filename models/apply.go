// ABOUTME: Deterministic application of mutation records to documents
// ABOUTME: Replaying records 1..V onto an empty Document reproduces the state at V
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Page returns the page with the given number, or nil.
func (d *Document) Page(number int) *Page {
	if number < 1 || number > len(d.Pages) {
		return nil
	}
	// Page numbers are contiguous from 1, so the slot is the number minus one.
	p := &d.Pages[number-1]
	if p.Number != number {
		return nil
	}
	return p
}

// Element returns the element and its index on the given page.
func (p *Page) Element(id string) (*Element, int) {
	for i := range p.Elements {
		if p.Elements[i].ID == id {
			return &p.Elements[i], i
		}
	}
	return nil, -1
}

// FindElement searches every page for the element id.
func (d *Document) FindElement(id string) (*Element, int) {
	for i := range d.Pages {
		if e, _ := d.Pages[i].Element(id); e != nil {
			return e, d.Pages[i].Number
		}
	}
	return nil, 0
}

// ElementCount returns the number of live elements across all pages.
func (d *Document) ElementCount() int {
	n := 0
	for _, p := range d.Pages {
		n += len(p.Elements)
	}
	return n
}

// Apply applies m to d. It validates the whole record before changing
// anything, so a failed Apply leaves d untouched.
func (d *Document) Apply(m Mutation) error {
	if m.Version != d.Version+1 {
		return fmt.Errorf("%w: record %d onto version %d", ErrVersionConflict, m.Version, d.Version)
	}
	if m.Kind != MutationCreate && m.DocumentID != d.ID {
		return fmt.Errorf("%w: record for %q applied to %q", ErrInvalidMutation, m.DocumentID, d.ID)
	}

	switch m.Kind {
	case MutationCreate:
		if d.Version != 0 {
			return fmt.Errorf("%w: create on existing document", ErrInvalidMutation)
		}
		page := NewPage(1, "")
		if m.Page != nil {
			page = m.Page.Clone()
		}
		settings := DefaultSettings()
		if m.Settings != nil {
			settings = *m.Settings
		}
		d.ID = m.DocumentID
		d.SessionID = m.SessionID
		d.Pages = []Page{page}
		d.ActivePage = 1
		d.Settings = settings
		d.CreatedAt = m.Timestamp

	case MutationAddElement:
		page := d.Page(m.PageNumber)
		if page == nil {
			return ErrPageNotFound
		}
		if m.Element == nil || m.Element.ID == "" {
			return fmt.Errorf("%w: add-element without element", ErrInvalidMutation)
		}
		if existing, _ := d.FindElement(m.Element.ID); existing != nil {
			return fmt.Errorf("%w: duplicate element id %s", ErrInvalidMutation, m.Element.ID)
		}
		page.Elements = append(page.Elements, m.Element.Clone())

	case MutationUpdateElement:
		page := d.Page(m.PageNumber)
		if page == nil {
			return ErrPageNotFound
		}
		if m.Element == nil || m.Element.ID != m.ElementID {
			return fmt.Errorf("%w: update-element without matching element", ErrInvalidMutation)
		}
		_, idx := page.Element(m.ElementID)
		if idx < 0 {
			return ErrElementNotFound
		}
		page.Elements[idx] = m.Element.Clone()

	case MutationRemoveElement:
		page := d.Page(m.PageNumber)
		if page == nil {
			return ErrPageNotFound
		}
		_, idx := page.Element(m.ElementID)
		if idx < 0 {
			return ErrElementNotFound
		}
		page.Elements = append(page.Elements[:idx:idx], page.Elements[idx+1:]...)

	case MutationAddPage:
		if m.Page == nil || m.Page.Number != len(d.Pages)+1 {
			return fmt.Errorf("%w: page numbers must be contiguous", ErrInvalidMutation)
		}
		d.Pages = append(d.Pages, m.Page.Clone())

	case MutationSetActivePage:
		if d.Page(m.PageNumber) == nil {
			return ErrPageNotFound
		}
		d.ActivePage = m.PageNumber

	case MutationUpdateSettings:
		if m.Settings == nil {
			return fmt.Errorf("%w: update-settings without settings", ErrInvalidMutation)
		}
		d.Settings = *m.Settings

	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMutation, m.Kind)
	}

	d.Version = m.Version
	d.UpdatedAt = m.Timestamp
	return nil
}

// Replay applies records in order onto a copy of base.
func Replay(base *Document, records []Mutation) (*Document, error) {
	doc := base.Clone()
	for _, m := range records {
		if err := doc.Apply(m); err != nil {
			return nil, fmt.Errorf("replay version %d: %w", m.Version, err)
		}
	}
	return doc, nil
}

// NewPage returns an empty page with the given number.
func NewPage(number int, background string) Page {
	if background == "" {
		background = DefaultBackground
	}
	return Page{Number: number, Elements: []Element{}, Background: background}
}

// NewElement builds a version 1 element from spec.
func NewElement(id string, spec ElementSpec, actorID string, at time.Time) Element {
	return Element{
		ID:       id,
		Kind:     spec.Kind,
		Content:  compactJSON(spec.Content),
		Geometry: spec.Geometry,
		Style:    spec.Style,
		Provenance: Provenance{
			CreatedBy:  actorID,
			CreatedAt:  at,
			SourceType: spec.SourceType,
			SourceURL:  spec.SourceURL,
		},
		Version: 1,
	}
}

// Merge returns the post-update element: provided fields replace the old
// ones, the element version is bumped and the modifier is stamped.
func (e Element) Merge(u ElementUpdate, actorID string, at time.Time) Element {
	next := e.Clone()
	if len(u.Content) > 0 {
		next.Content = compactJSON(u.Content)
	}
	if u.Geometry != nil {
		next.Geometry = *u.Geometry
	}
	if u.Style != nil {
		next.Style = *u.Style
	}
	if u.SourceType != nil {
		next.Provenance.SourceType = *u.SourceType
	}
	if u.SourceURL != nil {
		next.Provenance.SourceURL = *u.SourceURL
	}
	next.Provenance.LastModifiedBy = actorID
	modified := at
	next.Provenance.LastModifiedAt = &modified
	next.Version = e.Version + 1
	return next
}

// Apply returns s with the provided fields replaced.
func (s Settings) Apply(u SettingsUpdate) Settings {
	if u.GridEnabled != nil {
		s.GridEnabled = *u.GridEnabled
	}
	if u.SnapToGrid != nil {
		s.SnapToGrid = *u.SnapToGrid
	}
	if u.GridSize != nil {
		s.GridSize = *u.GridSize
	}
	if u.Theme != nil {
		s.Theme = *u.Theme
	}
	return s
}

// Clone returns a deep copy of the element.
func (e Element) Clone() Element {
	c := e
	if e.Content != nil {
		c.Content = append([]byte(nil), e.Content...)
	}
	if e.Provenance.LastModifiedAt != nil {
		t := *e.Provenance.LastModifiedAt
		c.Provenance.LastModifiedAt = &t
	}
	return c
}

// Clone returns a deep copy of the page.
func (p Page) Clone() Page {
	c := p
	c.Elements = make([]Element, len(p.Elements))
	for i, e := range p.Elements {
		c.Elements[i] = e.Clone()
	}
	return c
}

// Clone returns a deep copy of the document. A nil document clones to an
// empty version 0 document.
func (d *Document) Clone() *Document {
	if d == nil {
		return &Document{}
	}
	c := *d
	if d.Pages != nil {
		c.Pages = make([]Page, len(d.Pages))
		for i, p := range d.Pages {
			c.Pages[i] = p.Clone()
		}
	}
	return &c
}

// compactJSON normalizes payload bytes so states read back from storage
// compare equal to the in-memory ones.
func compactJSON(raw json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return append(json.RawMessage(nil), raw...)
	}
	return buf.Bytes()
}
