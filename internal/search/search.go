package search

// Result is a single page hit returned to the caller.
type Result struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Agency string `json:"agency"`
	Site   string `json:"site"`
}

// Query describes a page search request.
type Query struct {
	Text   string
	Agency string // empty = all agencies
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// PageRecord is the data we index for a monitored page.
type PageRecord struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Agency string `json:"agency"`
	Site   string `json:"site"`
}

// Searcher can execute a page search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}
