package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultIssue   ResultType = "issue"
	ResultComment ResultType = "comment"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	IssueID   string     `json:"issueId"`
	IssueKey  string     `json:"issueKey"`
	ProjectID string     `json:"projectId"`
	Status    string     `json:"status,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text            string
	FilterType      ResultType // empty = all types
	FilterProjectID string
	FilterStatus    string
	Limit           int
	Offset          int
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
	IndexIssue(issue IssueRecord) error
	IndexComment(comment CommentRecord) error
	DeleteIssue(id string) error
	DeleteComment(id string) error
}

// IssueRecord is the data we index for an issue.
type IssueRecord struct {
	ID        string `json:"id"`
	Key       string `json:"key"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Status    string `json:"status"`
	ProjectID string `json:"projectId"`
}

// CommentRecord is the data we index for a comment.
type CommentRecord struct {
	ID        string `json:"id"`
	Body      string `json:"body"`
	IssueID   string `json:"issueId"`
	IssueKey  string `json:"issueKey"`
	ProjectID string `json:"projectId"`
}
