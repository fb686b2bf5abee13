// Package evidence holds the per-session deduplicated hit registry,
// the search log, and per-hit relevance ratings.
//
// The store is owned exclusively by one session and is only touched
// from that session's worker, so it carries no locking. Callers outside
// the worker must use Snapshot.
package evidence

import (
	"fmt"
	"sort"
	"strings"
)

// Rating values, ordered by tier (best first).
const (
	RatingRelevant = "RELEVANT"
	RatingPartial  = "PARTIAL"
	RatingOffTopic = "OFF-TOPIC"
	RatingUnknown  = "UNKNOWN"
)

// ratingTier maps a rating to its sort tier. Unrecognized ratings sort
// with UNKNOWN.
func ratingTier(rating string) int {
	switch rating {
	case RatingRelevant:
		return 0
	case RatingPartial:
		return 1
	case RatingOffTopic:
		return 2
	default:
		return 3
	}
}

// Hit is one canonical retrieval result. Identity is ID; metadata holds
// taxonomy fields (parent_code, cluster_label, primary_topic, subtopics,
// parent_category).
type Hit struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Question string         `json:"question"`
	Answer   string         `json:"answer"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Rating is one relevance judgment for a hit. Confidence is clamped to
// [1,5] on the way in.
type Rating struct {
	HitID      string `json:"hit_id"`
	Rating     string `json:"rating"`
	Confidence int    `json:"confidence"`
}

// SearchLogEntry records one retrieval call.
type SearchLogEntry struct {
	Kind       string         `json:"kind"` // search | search_multi | browse
	Query      string         `json:"query"`
	Filters    map[string]any `json:"filters,omitempty"`
	NumResults int            `json:"num_results"`
}

// Store is the session's evidence registry.
type Store struct {
	hits      map[string]Hit
	ratings   map[string]Rating
	searchLog []SearchLogEntry
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		hits:    make(map[string]Hit),
		ratings: make(map[string]Rating),
	}
}

// CoerceID normalizes an external id to its string form. The upstream
// API returns integer ids on some collections.
func CoerceID(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// RegisterHit inserts or updates a hit, keyed by id. On a duplicate id
// the higher-score record wins. Returns the hit id.
func (s *Store) RegisterHit(hit Hit) string {
	if existing, ok := s.hits[hit.ID]; ok && existing.Score >= hit.Score {
		return hit.ID
	}
	s.hits[hit.ID] = hit
	return hit.ID
}

// Get returns the registered hit for an id.
func (s *Store) Get(id string) (Hit, bool) {
	h, ok := s.hits[id]
	return h, ok
}

// Count returns the number of unique registered hits.
func (s *Store) Count() int { return len(s.hits) }

// LogSearch appends one search log entry.
func (s *Store) LogSearch(entry SearchLogEntry) {
	s.searchLog = append(s.searchLog, entry)
}

// SearchCount returns the number of logged retrieval calls.
func (s *Store) SearchCount() int { return len(s.searchLog) }

// SearchLog returns a copy of the search log.
func (s *Store) SearchLog() []SearchLogEntry {
	out := make([]SearchLogEntry, len(s.searchLog))
	copy(out, s.searchLog)
	return out
}

// SetRating records a rating for a hit id, clamping confidence to [1,5].
func (s *Store) SetRating(hitID, rating string, confidence int) {
	if confidence < 1 {
		confidence = 1
	} else if confidence > 5 {
		confidence = 5
	}
	s.ratings[hitID] = Rating{HitID: hitID, Rating: rating, Confidence: confidence}
}

// GetRating returns the rating for a hit id, if any.
func (s *Store) GetRating(hitID string) (Rating, bool) {
	r, ok := s.ratings[hitID]
	return r, ok
}

// RatedCount returns the number of rated hits.
func (s *Store) RatedCount() int { return len(s.ratings) }

// RatingCounts tallies ratings by value.
func (s *Store) RatingCounts() map[string]int {
	counts := make(map[string]int)
	for _, r := range s.ratings {
		counts[r.Rating]++
	}
	return counts
}

// TopScore returns the highest registered score, 0 when empty.
func (s *Store) TopScore() float64 {
	top := 0.0
	for _, h := range s.hits {
		if h.Score > top {
			top = h.Score
		}
	}
	return top
}

// TopRated returns up to n rated hits sorted by rating tier ascending,
// then confidence descending. Ties break on hit id for stable output.
func (s *Store) TopRated(n int) []Hit {
	type rated struct {
		hit Hit
		r   Rating
	}
	var all []rated
	for id, r := range s.ratings {
		if h, ok := s.hits[id]; ok {
			all = append(all, rated{hit: h, r: r})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		ti, tj := ratingTier(all[i].r.Rating), ratingTier(all[j].r.Rating)
		if ti != tj {
			return ti < tj
		}
		if all[i].r.Confidence != all[j].r.Confidence {
			return all[i].r.Confidence > all[j].r.Confidence
		}
		return all[i].hit.ID < all[j].hit.ID
	})
	if n < len(all) {
		all = all[:n]
	}
	out := make([]Hit, len(all))
	for i, a := range all {
		out[i] = a.hit
	}
	return out
}

// Merge imports a child store. Hits merge higher-score-wins; ratings
// merge only where the parent has none (the parent's judgment stands).
// Search log entries append. Returns the ids that were new to the
// parent registry.
func (s *Store) Merge(child *Store) []string {
	var added []string
	for id, h := range child.hits {
		if _, ok := s.hits[id]; !ok {
			added = append(added, id)
		}
		s.RegisterHit(h)
	}
	for id, r := range child.ratings {
		if _, ok := s.ratings[id]; !ok {
			s.ratings[id] = r
		}
	}
	s.searchLog = append(s.searchLog, child.searchLog...)
	sort.Strings(added)
	return added
}

// Snapshot returns a defensive copy of the registry for callers outside
// the owning worker.
func (s *Store) Snapshot() map[string]Hit {
	out := make(map[string]Hit, len(s.hits))
	for id, h := range s.hits {
		out[id] = h
	}
	return out
}

// Live returns the internal registry map itself. The sandbox exposes
// this handle so that tool writes are visible to the model on its next
// read. Do not substitute a copy — the aliasing is the contract.
func (s *Store) Live() map[string]Hit {
	return s.hits
}

// QueryDiversity returns the number of distinct normalized queries in
// the search log.
func (s *Store) QueryDiversity() int {
	seen := make(map[string]bool)
	for _, e := range s.searchLog {
		seen[strings.ToLower(strings.TrimSpace(e.Query))] = true
	}
	return len(seen)
}

// CategoriesExplored returns the distinct parent_category values across
// registered hits.
func (s *Store) CategoriesExplored() []string {
	seen := make(map[string]bool)
	for _, h := range s.hits {
		if cat, ok := h.Metadata["parent_category"].(string); ok && cat != "" {
			seen[cat] = true
		}
	}
	out := make([]string, 0, len(seen))
	for cat := range seen {
		out = append(out, cat)
	}
	sort.Strings(out)
	return out
}
