package tool

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"knowbot/internal/domain"
	"knowbot/internal/infra/tracer"
)

// Per-phase hit limits.
const (
	newsPhaseLimit = 5
	webPhaseLimit  = 5
	yearPhaseLimit = 3
)

// Section headers for the assembled digest.
const (
	newsHeader    = "=== RECENT NEWS ==="
	webHeader     = "=== WEB RESULTS ==="
	yearHeaderFmt = "=== %d SPECIFIC RESULTS ==="
)

// SearchAggregator merges news, web, and an opportunistic year-qualified news
// search into a single deduplicated digest. A backend error in any one phase
// contributes zero hits for that phase and never aborts the others.
type SearchAggregator struct {
	backend SearchBackend
	bus     domain.EventBus
	logger  *slog.Logger
}

// NewSearchAggregator creates an aggregator over the given backend.
// bus may be nil.
func NewSearchAggregator(backend SearchBackend, bus domain.EventBus, logger *slog.Logger) *SearchAggregator {
	return &SearchAggregator{backend: backend, bus: bus, logger: logger}
}

// phaseResult is the outcome of one search phase: the hits it produced, or
// the swallowed failure that made it contribute nothing.
type phaseResult struct {
	hits []domain.SearchHit
	err  error
}

// Run executes the three-phase search and returns the formatted digest.
// It always returns a string: backend trouble in individual phases is
// absorbed, and only an aggregator-level failure (no backend at all, or a
// panic in the pipeline) yields the error-message string instead.
func (a *SearchAggregator) Run(ctx context.Context, query string, currentYear int) (result string) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("search aggregation panicked", "query", query, "panic", r)
			result = searchErrorMessage(fmt.Sprintf("%v", r))
		}
	}()

	query = strings.TrimSpace(query)
	if a.backend == nil {
		return searchErrorMessage("no search backend configured")
	}
	if query == "" {
		return searchErrorMessage("empty query")
	}

	// One dedup set and one output buffer per call; nothing is shared
	// across concurrent invocations.
	seen := make(map[string]struct{})
	var sections []string

	news := a.runPhase(ctx, "news", query, func() ([]domain.SearchHit, error) {
		return a.backend.News(ctx, query, newsPhaseLimit)
	})
	if lines := collectHits(news, seen, formatNewsHit); len(lines) > 0 {
		sections = append(sections, assembleSection(newsHeader, lines))
	}

	web := a.runPhase(ctx, "web", query, func() ([]domain.SearchHit, error) {
		return a.backend.Web(ctx, query, webPhaseLimit)
	})
	if lines := collectHits(web, seen, formatWebHit); len(lines) > 0 {
		sections = append(sections, assembleSection(webHeader, lines))
	}

	// The year retry fires only when nothing rendered so far mentions the
	// current year's digits. The check runs over rendered text, not raw hit
	// fields; that is the observable contract.
	if !mentionsYear(sections, currentYear) {
		yearQuery := fmt.Sprintf("%s %d", query, currentYear)
		year := a.runPhase(ctx, "year", yearQuery, func() ([]domain.SearchHit, error) {
			return a.backend.News(ctx, yearQuery, yearPhaseLimit)
		})
		if lines := collectHits(year, seen, formatYearHit); len(lines) > 0 {
			sections = append(sections, assembleSection(fmt.Sprintf(yearHeaderFmt, currentYear), lines))
		}
	}

	if len(sections) == 0 {
		return fmt.Sprintf("No search results found for '%s'. Try rephrasing or adding more context.", query)
	}
	return strings.Join(sections, "\n\n")
}

// runPhase executes one backend call, swallowing its error into the result
// and publishing phase events for observers.
func (a *SearchAggregator) runPhase(ctx context.Context, phase, query string, call func() ([]domain.SearchHit, error)) phaseResult {
	ctx, span := tracer.StartSpan(ctx, "search.phase."+phase)
	defer span.End()
	span.SetAttributes(tracer.StringAttr("search.query", query))

	PublishToolEvent(ctx, a.bus, domain.EventSearchPhaseStarted, domain.SearchPhasePayload{
		Phase: phase,
		Query: query,
	})

	hits, err := call()
	if err != nil {
		a.logger.Debug("search phase failed", "phase", phase, "query", query, "error", err)
		tracer.RecordError(span, err)
		hits = nil
	} else {
		span.SetAttributes(tracer.IntAttr("search.hits", len(hits)))
		tracer.SetOK(span)
	}

	PublishToolEvent(ctx, a.bus, domain.EventSearchPhaseCompleted, domain.SearchPhasePayload{
		Phase: phase,
		Query: query,
		Hits:  len(hits),
	})
	return phaseResult{hits: hits, err: err}
}

// collectHits formats the unseen hits of one phase in backend order,
// recording each emitted hit's dedup key in seen.
func collectHits(pr phaseResult, seen map[string]struct{}, format func(domain.SearchHit) string) []string {
	var lines []string
	for _, h := range pr.hits {
		key := h.DedupKey()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		lines = append(lines, format(h))
	}
	return lines
}

func formatNewsHit(h domain.SearchHit) string {
	return fmt.Sprintf("[%s] (%s) %s\n%s", truncateDate(h.PublishedDate), h.Source, h.Title, h.Body)
}

func formatWebHit(h domain.SearchHit) string {
	return fmt.Sprintf("%s\n%s\nSource: %s", h.Title, h.Body, h.URL)
}

func formatYearHit(h domain.SearchHit) string {
	return fmt.Sprintf("[%s] %s\n%s", truncateDate(h.PublishedDate), h.Title, h.Body)
}

// truncateDate keeps the YYYY-MM-DD-shaped prefix of a backend date string.
// An absent date renders as empty, never as placeholder text.
func truncateDate(date string) string {
	r := []rune(date)
	if len(r) > 10 {
		return string(r[:10])
	}
	return date
}

func assembleSection(header string, lines []string) string {
	return header + "\n" + strings.Join(lines, "\n\n")
}

// mentionsYear reports whether any line rendered so far contains the year's
// decimal digits.
func mentionsYear(sections []string, year int) bool {
	digits := strconv.Itoa(year)
	for _, s := range sections {
		if strings.Contains(s, digits) {
			return true
		}
	}
	return false
}

func searchErrorMessage(detail string) string {
	return fmt.Sprintf("Search error: %s. Please try a different query.", detail)
}
