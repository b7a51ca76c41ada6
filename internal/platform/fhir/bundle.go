package fhir

import (
	"encoding/json"
	"fmt"
)

// Bundle relation names used for paging.
const (
	LinkSelf = "self"
	LinkNext = "next"
)

// Bundle represents a FHIR searchset Bundle.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Meta         *Meta         `json:"meta,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// DecodeBundle parses data as a Bundle.
func DecodeBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if b.ResourceType != ResourceTypeBundle {
		return nil, fmt.Errorf("decode bundle: unexpected resourceType %q", b.ResourceType)
	}
	return &b, nil
}

// LinkURL returns the URL of the first link with the given relation.
func (b *Bundle) LinkURL(relation string) (string, bool) {
	for _, l := range b.Link {
		if l.Relation == relation && l.URL != "" {
			return l.URL, true
		}
	}
	return "", false
}

// NextLink returns the continuation URL, if any.
func (b *Bundle) NextLink() (string, bool) {
	return b.LinkURL(LinkNext)
}

// Records decodes the bundle's entries.
func (b *Bundle) Records() ([]Record, error) {
	records := make([]Record, 0, len(b.Entry))
	for i, e := range b.Entry {
		if len(e.Resource) == 0 {
			continue
		}
		rec, err := DecodeRecord(e.Resource)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}
