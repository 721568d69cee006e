package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	json "github.com/goccy/go-json"
)

// ReferenceSnapshot is the cached copy of remote tags and work codes.
type ReferenceSnapshot struct {
	Version   string         `json:"version,omitempty"`
	Tags      []ReferenceTag `json:"tags"`
	WorkCodes []WorkCode     `json:"workCodes"`
	FetchedAt time.Time      `json:"fetchedAt"`
}

// ReferenceTag is a tag known to the remote service.
type ReferenceTag struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
}

// WorkCode is an activity code time can be recorded against.
type WorkCode struct {
	Code  string `json:"code"`
	Label string `json:"label"`
}

// Hash returns a stable content hash over tags and work codes. Ordering of the
// remote lists does not affect the result, and neither does FetchedAt.
func (s ReferenceSnapshot) Hash() string {
	tags := append([]ReferenceTag(nil), s.Tags...)
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Path != tags[j].Path {
			return tags[i].Path < tags[j].Path
		}
		return tags[i].Name < tags[j].Name
	})
	codes := append([]WorkCode(nil), s.WorkCodes...)
	sort.Slice(codes, func(i, j int) bool { return codes[i].Code < codes[j].Code })

	b, _ := json.Marshal(struct {
		Tags      []ReferenceTag `json:"tags"`
		WorkCodes []WorkCode     `json:"workCodes"`
	}{tags, codes})
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// VersionMarker is the value compared between refreshes: the remote version
// when one is supplied, otherwise the content hash.
func (s ReferenceSnapshot) VersionMarker() string {
	if s.Version != "" {
		return s.Version
	}
	return s.Hash()
}

// FindTag looks a tag up by name.
func (s *ReferenceSnapshot) FindTag(name string) (ReferenceTag, bool) {
	if s == nil {
		return ReferenceTag{}, false
	}
	for _, t := range s.Tags {
		if t.Name == name {
			return t, true
		}
	}
	return ReferenceTag{}, false
}
