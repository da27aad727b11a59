package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultForm  ResultType = "form"
	ResultField ResultType = "field"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type    ResultType `json:"type"`
	ID      string     `json:"id"`
	Title   string     `json:"title"`
	Snippet string     `json:"snippet"`
	FormID  string     `json:"formId"`
	Creator string     `json:"creator,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text          string
	FilterType    ResultType // empty = all types
	FilterCreator string
	Limit         int
	Offset        int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexForm(f FormRecord) error
	IndexField(f FieldRecord) error
	DeleteForm(id string) error
	DeleteField(id string) error
}

// FormRecord is the data we index for a form.
type FormRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedBy   string `json:"createdBy"`
}

// FieldRecord is the data we index for a form field.
type FieldRecord struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	FormID string `json:"formId"`
}
