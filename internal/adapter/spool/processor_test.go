package spool

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"timesync-connector/internal/domain"
)

type staticReference struct{ snap *domain.ReferenceSnapshot }

func (s staticReference) Reference() *domain.ReferenceSnapshot { return s.snap }

func postedGroup(id string) domain.PostedGroup {
	return domain.PostedGroup{
		ID:            id,
		Name:          "Drafting",
		User:          domain.User{Name: "Sam"},
		Tags:          []domain.TagRef{{Name: "ACME-1"}, {Name: "NEW-9", Path: "/matters/"}},
		TotalDuration: time.Hour,
		Rows: []domain.TimeRow{{
			ID:           "r-1",
			Activity:     "Word",
			ActivityHour: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
			Duration:     time.Hour,
		}},
	}
}

func TestHandleWritesDocument(t *testing.T) {
	ref := &domain.ReferenceSnapshot{Version: "v3", Tags: []domain.ReferenceTag{{Name: "ACME-1", Path: "/clients/"}}}
	p, err := New(t.TempDir(), staticReference{ref}, zap.NewNop())
	require.NoError(t, err)

	res := p.Handle(context.Background(), postedGroup("g-1"))
	require.Equal(t, domain.DispatchSucceeded, res.Status, res.Reason)

	raw, err := os.ReadFile(p.Path("g-1"))
	require.NoError(t, err)
	var doc document
	require.NoError(t, yaml.Unmarshal(raw, &doc))

	assert.Equal(t, "g-1", doc.GroupID)
	assert.Equal(t, "Sam", doc.User)
	assert.Equal(t, "1h0m0s", doc.Duration)
	assert.Equal(t, "v3", doc.Reference)
	require.Len(t, doc.Tags, 2)
	assert.Equal(t, documentTag{Name: "ACME-1", Path: "/clients/", Known: true}, doc.Tags[0])
	assert.Equal(t, documentTag{Name: "NEW-9", Path: "/matters/", Known: false}, doc.Tags[1])
	require.Len(t, doc.Rows, 1)
	assert.Equal(t, "Word", doc.Rows[0].Activity)

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(p.Path("g-1")), ".spool-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestHandleIsIdempotent(t *testing.T) {
	p, err := New(t.TempDir(), nil, zap.NewNop())
	require.NoError(t, err)

	require.Equal(t, domain.DispatchSucceeded, p.Handle(context.Background(), postedGroup("g-1")).Status)
	marked := "group_id: g-1\nname: marker\n"
	require.NoError(t, os.WriteFile(p.Path("g-1"), []byte(marked), 0o600))

	// A redelivered group finds its file and leaves it alone.
	require.Equal(t, domain.DispatchSucceeded, p.Handle(context.Background(), postedGroup("g-1")).Status)
	raw, err := os.ReadFile(p.Path("g-1"))
	require.NoError(t, err)
	assert.Equal(t, marked, string(raw))
}

func TestHandleRejectsEmptyGroup(t *testing.T) {
	p, err := New(t.TempDir(), nil, zap.NewNop())
	require.NoError(t, err)

	g := postedGroup("g-1")
	g.Rows = nil
	res := p.Handle(context.Background(), g)
	assert.Equal(t, domain.DispatchNonRecoverable, res.Status)
}

func TestHandleFilesystemFailureIsRecoverable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "spool")
	p, err := New(dir, nil, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.WriteFile(dir, []byte("not a directory"), 0o600))

	res := p.Handle(context.Background(), postedGroup("g-1"))
	assert.Equal(t, domain.DispatchRecoverable, res.Status)
}

func TestPathStaysInsideDirectory(t *testing.T) {
	p, err := New(t.TempDir(), nil, zap.NewNop())
	require.NoError(t, err)

	path := p.Path("../../etc/passwd")
	assert.Equal(t, p.dir, filepath.Dir(path))
}

func TestSimilarIDsGetDistinctFiles(t *testing.T) {
	p, err := New(t.TempDir(), nil, zap.NewNop())
	require.NoError(t, err)

	ids := []string{"team/42", "team_42", "team%2F42", "team.42"}
	paths := make(map[string]string)
	for _, id := range ids {
		require.Equal(t, domain.DispatchSucceeded, p.Handle(context.Background(), postedGroup(id)).Status, id)
		paths[p.Path(id)] = id
	}
	assert.Len(t, paths, len(ids))

	for _, id := range ids {
		raw, err := os.ReadFile(p.Path(id))
		require.NoError(t, err)
		var doc document
		require.NoError(t, yaml.Unmarshal(raw, &doc))
		assert.Equal(t, id, doc.GroupID)
	}
}

func TestForeignSpoolFileIsNotTakenAsHandled(t *testing.T) {
	p, err := New(t.TempDir(), nil, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p.Path("g-1"), []byte("group_id: someone-else\n"), 0o600))

	res := p.Handle(context.Background(), postedGroup("g-1"))
	assert.Equal(t, domain.DispatchNonRecoverable, res.Status)
	assert.Contains(t, res.Reason, "does not hold group g-1")
}

func TestNewRequiresDirectory(t *testing.T) {
	_, err := New("", nil, nil)
	assert.Error(t, err)
}
