// Package project defines the project and outline types shared by the API server,
// its HTTP client, and the outline synchronizer.
package project

import (
	"errors"
	"time"
)

// Status is the generation state of a section.
type Status string

const (
	StatusPending    Status = "pending"
	StatusGenerating Status = "generating"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// DocType is the export target of a project.
type DocType string

const (
	DocTypeDOCX DocType = "docx"
	DocTypePPTX DocType = "pptx"
)

type Refinement struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Prompt      string    `json:"prompt"`
	RawResponse string    `json:"raw_response,omitempty"`
	ParsedText  string    `json:"parsed_text"`
	DiffSummary string    `json:"diff_summary,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Likes       []string  `json:"likes"`
	Dislikes    []string  `json:"dislikes"`
}

type Comment struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

type Section struct {
	ID                string       `json:"id"`
	Title             string       `json:"title"`
	WordCount         int          `json:"word_count"`
	Content           string       `json:"content,omitempty"`
	Bullets           []string     `json:"bullets,omitempty"`
	Status            Status       `json:"status"`
	Version           int          `json:"version"`
	RefinementHistory []Refinement `json:"refinement_history"`
	Comments          []Comment    `json:"comments"`
}

// GenerationRecord is one model call that produced section content.
type GenerationRecord struct {
	ID        string    `json:"id"`
	SectionID string    `json:"section_id"`
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response"`
	WordCount int       `json:"word_count"`
	Model     string    `json:"model"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
}

// Project is the unit of ownership. Outline order defines document order.
type Project struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	DocType   DocType   `json:"doc_type"`
	OwnerUID  string    `json:"owner_uid"`
	Revision  int       `json:"revision"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Outline   []Section `json:"outline"`

	GenerationHistory []GenerationRecord `json:"generation_history"`
}

var (
	ErrSectionNotFound    = errors.New("section not found")
	ErrRefinementNotFound = errors.New("refinement not found")
	ErrNotPermutation     = errors.New("order is not a permutation of the outline")
)

// ValidDocType reports whether value names a supported export target.
func ValidDocType(value string) bool {
	switch DocType(value) {
	case DocTypeDOCX, DocTypePPTX:
		return true
	default:
		return false
	}
}

// Clone returns a deep copy of p.
func (p Project) Clone() Project {
	out := p
	if p.Outline != nil {
		out.Outline = make([]Section, len(p.Outline))
		for i, section := range p.Outline {
			out.Outline[i] = section.Clone()
		}
	}
	if p.GenerationHistory != nil {
		out.GenerationHistory = append([]GenerationRecord(nil), p.GenerationHistory...)
	}
	return out
}

// Clone returns a deep copy of s.
func (s Section) Clone() Section {
	out := s
	if s.Bullets != nil {
		out.Bullets = append([]string(nil), s.Bullets...)
	}
	if s.RefinementHistory != nil {
		out.RefinementHistory = make([]Refinement, len(s.RefinementHistory))
		for i, r := range s.RefinementHistory {
			r.Likes = append([]string(nil), r.Likes...)
			r.Dislikes = append([]string(nil), r.Dislikes...)
			out.RefinementHistory[i] = r
		}
	}
	if s.Comments != nil {
		out.Comments = append([]Comment(nil), s.Comments...)
	}
	return out
}

// SectionIDs returns the outline ids in document order.
func (p Project) SectionIDs() []string {
	ids := make([]string, len(p.Outline))
	for i, section := range p.Outline {
		ids[i] = section.ID
	}
	return ids
}

// IndexOf returns the outline position of sectionID, or -1.
func (p Project) IndexOf(sectionID string) int {
	for i, section := range p.Outline {
		if section.ID == sectionID {
			return i
		}
	}
	return -1
}

// Section returns a pointer into the outline for in-place edits.
func (p *Project) Section(sectionID string) (*Section, error) {
	idx := p.IndexOf(sectionID)
	if idx < 0 {
		return nil, ErrSectionNotFound
	}
	return &p.Outline[idx], nil
}

// IsPermutation reports whether ids contains every outline id exactly once.
func (p Project) IsPermutation(ids []string) bool {
	if len(ids) != len(p.Outline) {
		return false
	}
	seen := make(map[string]struct{}, len(ids))
	for _, section := range p.Outline {
		seen[section.ID] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			return false
		}
		delete(seen, id)
	}
	return len(seen) == 0
}

// ApplyOrder rearranges the outline to follow ids.
func (p *Project) ApplyOrder(ids []string) error {
	if !p.IsPermutation(ids) {
		return ErrNotPermutation
	}
	byID := make(map[string]Section, len(p.Outline))
	for _, section := range p.Outline {
		byID[section.ID] = section
	}
	reordered := make([]Section, len(ids))
	for i, id := range ids {
		reordered[i] = byID[id]
	}
	p.Outline = reordered
	return nil
}

// RemoveSection drops sectionID from the outline and reports whether it was present.
func (p *Project) RemoveSection(sectionID string) bool {
	idx := p.IndexOf(sectionID)
	if idx < 0 {
		return false
	}
	p.Outline = append(p.Outline[:idx:idx], p.Outline[idx+1:]...)
	return true
}

// InsertSection places section at position, clamped to the outline bounds.
func (p *Project) InsertSection(section Section, position int) int {
	if position < 0 || position > len(p.Outline) {
		position = len(p.Outline)
	}
	p.Outline = append(p.Outline, Section{})
	copy(p.Outline[position+1:], p.Outline[position:])
	p.Outline[position] = section
	return position
}

// SwapOrder returns the order produced by exchanging the section at index with its neighbour
// at index+delta. ok is false when the move would leave the outline bounds.
func SwapOrder(ids []string, index, delta int) (order []string, ok bool) {
	target := index + delta
	if index < 0 || index >= len(ids) || target < 0 || target >= len(ids) {
		return nil, false
	}
	order = append([]string(nil), ids...)
	order[index], order[target] = order[target], order[index]
	return order, true
}
