package domain

// HitKind distinguishes which search vertical produced a hit.
type HitKind string

const (
	HitNews HitKind = "news"
	HitWeb  HitKind = "web"
)

// SearchHit is one result returned by a search backend. Every field may be
// empty; hits carry no identity beyond their content.
type SearchHit struct {
	Title         string  `json:"title"`
	Body          string  `json:"body"`
	URL           string  `json:"url"`
	Source        string  `json:"source,omitempty"`
	PublishedDate string  `json:"published_date,omitempty"`
	Kind          HitKind `json:"kind"`
}

// DedupKey returns the key used to detect duplicate hits across search
// phases: the first 100 characters of the body, or the title when the body
// is empty.
func (h SearchHit) DedupKey() string {
	if h.Body != "" {
		r := []rune(h.Body)
		if len(r) > 100 {
			return string(r[:100])
		}
		return h.Body
	}
	return h.Title
}
