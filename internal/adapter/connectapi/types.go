package connectapi

import (
	"strconv"
	"time"

	"timesync-connector/internal/domain"
)

// rawTimeGroup mirrors a posted time group as served by /postedtime.
type rawTimeGroup struct {
	GroupID           string       `json:"groupId"`
	GroupName         string       `json:"groupName"`
	Description       string       `json:"description"`
	TotalDurationSecs int64        `json:"totalDurationSecs"`
	SubmittedAt       *time.Time   `json:"submittedAt"`
	CallerKey         string       `json:"callerKey"`
	User              rawUser      `json:"user"`
	Tags              []rawTag     `json:"tags"`
	TimeRows          []rawTimeRow `json:"timeRows"`
}

type rawUser struct {
	ExternalID string `json:"externalId"`
	Name       string `json:"name"`
	Email      string `json:"email"`
}

type rawTag struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

type rawTimeRow struct {
	TimeRowID           string `json:"timeRowId"`
	Activity            string `json:"activity"`
	Description         string `json:"description"`
	ActivityHour        int64  `json:"activityHour"` // yyyyMMddHH
	FirstObservedInHour int    `json:"firstObservedInHour"`
	DurationSecs        int64  `json:"durationSecs"`
	Modifier            string `json:"modifier"`
	Source              string `json:"source"`
}

type rawStatus struct {
	TimeGroupID string `json:"timeGroupId"`
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
	CallerKey   string `json:"callerKey,omitempty"`
}

type rawReference struct {
	Version   string                `json:"version"`
	Tags      []domain.ReferenceTag `json:"tags"`
	WorkCodes []domain.WorkCode     `json:"workCodes"`
}

func (r rawTimeGroup) toDomain() domain.PostedGroup {
	g := domain.PostedGroup{
		ID:            r.GroupID,
		Name:          r.GroupName,
		Narrative:     r.Description,
		TotalDuration: time.Duration(r.TotalDurationSecs) * time.Second,
		CallerKey:     r.CallerKey,
		User: domain.User{
			ExternalID: r.User.ExternalID,
			Name:       r.User.Name,
			Email:      r.User.Email,
		},
	}
	if r.SubmittedAt != nil {
		g.SubmittedAt = r.SubmittedAt.UTC()
	}
	for _, t := range r.Tags {
		g.Tags = append(g.Tags, domain.TagRef{Name: t.Name, Path: t.Path})
	}
	for _, tr := range r.TimeRows {
		g.Rows = append(g.Rows, domain.TimeRow{
			ID:                  tr.TimeRowID,
			Activity:            tr.Activity,
			Description:         tr.Description,
			ActivityHour:        parseActivityHour(tr.ActivityHour),
			FirstObservedInHour: tr.FirstObservedInHour,
			Duration:            time.Duration(tr.DurationSecs) * time.Second,
			Modifier:            tr.Modifier,
			Source:              tr.Source,
		})
	}
	return g
}

// parseActivityHour converts the remote yyyyMMddHH form to a UTC time. Zero
// or malformed values give the zero time.
func parseActivityHour(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	t, err := time.Parse("2006010215", strconv.FormatInt(v, 10))
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
