package search

import (
	"context"

	"github.com/aribuy/apms-sub002/internal/workflow"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID            string `json:"id"`
	DocumentCode  string `json:"documentCode"`
	Title         string `json:"title"`
	Snippet       string `json:"snippet"`
	SiteReference string `json:"siteReference"`
	Status        string `json:"status"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Status string // empty = any status
	Scope  string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push ATP documents into a search index.
type Indexer interface {
	IndexDocuments(records []DocumentRecord) error
	DeleteDocument(id string) error
}

// Index is a search backend that can both search and be written to.
type Index interface {
	Searcher
	Indexer
}

// DocumentSource lists every stored ATP document for a full reindex.
type DocumentSource interface {
	ListDocuments(ctx context.Context) ([]workflow.Document, error)
}

// DocumentRecord is the data we index for an ATP document.
type DocumentRecord struct {
	ID                   string `json:"id"`
	Code                 string `json:"documentCode"`
	SiteReference        string `json:"siteReference"`
	Title                string `json:"title"`
	Scope                string `json:"scope"`
	Vendor               string `json:"vendor"`
	Category             string `json:"category"`
	Status               string `json:"status"`
	CurrentStage         string `json:"currentStage"`
	CompletionPercentage int    `json:"completionPercentage"`
}

func RecordFromDocument(doc workflow.Document) DocumentRecord {
	return DocumentRecord{
		ID:                   doc.ID,
		Code:                 doc.Code,
		SiteReference:        doc.SiteReference,
		Title:                doc.Title,
		Scope:                doc.Scope,
		Vendor:               doc.Vendor,
		Category:             string(doc.DocumentType),
		Status:               string(doc.CurrentStatus),
		CurrentStage:         doc.CurrentStage,
		CompletionPercentage: doc.CompletionPercentage,
	}
}

func defaultLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	return limit
}
