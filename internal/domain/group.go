package domain

import (
	"errors"
	"fmt"
	"time"
)

// PostedGroup is a batch of time rows a user submitted together, as delivered
// by the remote posted-time queue. The remote copy is authoritative; the
// connector never changes its content.
type PostedGroup struct {
	ID            string
	Name          string
	Narrative     string
	User          User
	Tags          []TagRef
	Rows          []TimeRow
	TotalDuration time.Duration
	SubmittedAt   time.Time
	CallerKey     string
}

// User identifies who posted the group.
type User struct {
	ExternalID string
	Name       string
	Email      string
}

// TagRef references a tag the group was posted against.
type TagRef struct {
	Name string
	Path string
}

// TimeRow is a single observed activity inside a group.
type TimeRow struct {
	ID                  string
	Activity            string
	Description         string
	ActivityHour        time.Time
	FirstObservedInHour int
	Duration            time.Duration
	Modifier            string
	Source              string
}

// Validate reports whether the group is structurally usable.
func (g PostedGroup) Validate() error {
	if g.ID == "" {
		return errors.New("group id is empty")
	}
	for i, r := range g.Rows {
		if r.Duration < 0 {
			return fmt.Errorf("row %d has negative duration %s", i, r.Duration)
		}
	}
	return nil
}

// TagNames returns the names of all tags in posting order.
func (g PostedGroup) TagNames() []string {
	out := make([]string, 0, len(g.Tags))
	for _, t := range g.Tags {
		out = append(out, t.Name)
	}
	return out
}
