package domain

// PeriodInfo identifies one subscription period.
type PeriodInfo struct {
	Slug      string // e.g. "october-2026"
	ProductID string // e.g. "october_2026_choice"
}

// ChoiceOrder is an order that requires selecting items before reveal.
type ChoiceOrder struct {
	OrderID     string
	PeriodSlug  string
	DisplayName string
}

// ChoiceItem is one offered title in a period.
type ChoiceItem struct {
	ID    string
	Title string
	Keys  []*KeyRecord
}

// ChoiceModel is the parsed selection state of a period page.
type ChoiceModel struct {
	Gamekey           string
	Title             string
	SelectionRequired bool
	CanRedeem         bool
	// Legacy pages carry no selection data and cannot be processed.
	Legacy       bool
	ParentID     string
	DisplayOrder []string
	Items        map[string]*ChoiceItem
	Chosen       []string
}

// IsChosen reports whether the item was selected previously.
func (m *ChoiceModel) IsChosen(id string) bool {
	for _, c := range m.Chosen {
		if c == id {
			return true
		}
	}
	return false
}
