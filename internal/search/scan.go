package search

import (
	"context"
	"fmt"
	"strings"
)

// Scan is the fallback used with the in-memory store: it lists every
// document and keeps those whose code, site, title, scope or vendor contain
// every word of the query.
type Scan struct {
	source DocumentSource
}

func NewScan(source DocumentSource) *Scan {
	return &Scan{source: source}
}

func (s *Scan) Healthy() bool { return true }

func (s *Scan) Search(ctx context.Context, q Query) ([]Result, int, error) {
	terms := strings.Fields(strings.ToLower(q.Text))
	if len(terms) == 0 {
		return nil, 0, nil
	}
	documents, err := s.source.ListDocuments(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("scan documents: %w", err)
	}

	var matched []Result
	for _, doc := range documents {
		record := RecordFromDocument(doc)
		if q.Status != "" && record.Status != q.Status {
			continue
		}
		if q.Scope != "" && !strings.EqualFold(record.Scope, q.Scope) {
			continue
		}
		haystack := strings.ToLower(strings.Join([]string{record.Code, record.SiteReference, record.Title, record.Scope, record.Vendor}, " "))
		if !containsAll(haystack, terms) {
			continue
		}
		matched = append(matched, Result{
			ID:            record.ID,
			DocumentCode:  record.Code,
			Title:         firstNonBlank(record.Title, record.Code),
			Snippet:       record.SiteReference,
			SiteReference: record.SiteReference,
			Status:        record.Status,
		})
	}

	total := len(matched)
	offset := min(max(q.Offset, 0), total)
	end := min(offset+defaultLimit(q.Limit), total)
	return matched[offset:end], total, nil
}

func containsAll(haystack string, terms []string) bool {
	for _, term := range terms {
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	return true
}
