package spool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"timesync-connector/internal/domain"
	"timesync-connector/internal/ports"
)

// Processor writes every posted group as a YAML document into a directory,
// one file per group id. An existing file holding the same group id means the
// group was already handled, which makes redelivery harmless.
type Processor struct {
	dir       string
	reference ports.ReferenceReader
	log       *zap.Logger
}

var _ ports.Processor = (*Processor)(nil)

// New creates the spool directory if needed. reference may be nil.
func New(dir string, reference ports.ReferenceReader, log *zap.Logger) (*Processor, error) {
	if dir == "" {
		return nil, errors.New("spool: directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("spool: create %s: %w", dir, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{dir: dir, reference: reference, log: log.Named("spool")}, nil
}

// document is the on-disk form of a group.
type document struct {
	GroupID     string        `yaml:"group_id"`
	Name        string        `yaml:"name,omitempty"`
	Narrative   string        `yaml:"narrative,omitempty"`
	User        string        `yaml:"user,omitempty"`
	SubmittedAt time.Time     `yaml:"submitted_at,omitempty"`
	Duration    string        `yaml:"total_duration"`
	Tags        []documentTag `yaml:"tags,omitempty"`
	Rows        []documentRow `yaml:"rows"`
	Reference   string        `yaml:"reference_version,omitempty"`
}

type documentTag struct {
	Name  string `yaml:"name"`
	Path  string `yaml:"path,omitempty"`
	Known bool   `yaml:"known"`
}

type documentRow struct {
	Activity     string    `yaml:"activity"`
	Description  string    `yaml:"description,omitempty"`
	ActivityHour time.Time `yaml:"activity_hour,omitempty"`
	Duration     string    `yaml:"duration"`
}

func (p *Processor) Handle(_ context.Context, g domain.PostedGroup) domain.DispatchResult {
	if len(g.Rows) == 0 {
		return domain.NonRecoverableFailure("group has no time rows")
	}

	target := p.Path(g.ID)
	if raw, err := os.ReadFile(target); err == nil {
		var existing struct {
			GroupID string `yaml:"group_id"`
		}
		if err := yaml.Unmarshal(raw, &existing); err != nil || existing.GroupID != g.ID {
			p.log.Error("spool file belongs to another group",
				zap.String("group_id", g.ID),
				zap.String("file", target),
				zap.String("found", existing.GroupID),
			)
			return domain.NonRecoverableFailure(fmt.Sprintf("spool file %s does not hold group %s", filepath.Base(target), g.ID))
		}
		p.log.Debug("group already spooled", zap.String("group_id", g.ID))
		return domain.Succeeded()
	}

	out, err := yaml.Marshal(p.document(g))
	if err != nil {
		return domain.NonRecoverableFailure("encode group: " + err.Error())
	}

	tmp, err := os.CreateTemp(p.dir, ".spool-*")
	if err != nil {
		return domain.RecoverableFailure("create temp file: " + err.Error())
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(out); err != nil {
		_ = tmp.Close()
		return domain.RecoverableFailure("write spool file: " + err.Error())
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return domain.RecoverableFailure("sync spool file: " + err.Error())
	}
	if err := tmp.Close(); err != nil {
		return domain.RecoverableFailure("close spool file: " + err.Error())
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return domain.RecoverableFailure("publish spool file: " + err.Error())
	}

	p.log.Info("group spooled", zap.String("group_id", g.ID), zap.String("file", target))
	return domain.Succeeded()
}

// Path returns the file a group is spooled to.
func (p *Processor) Path(groupID string) string {
	return filepath.Join(p.dir, safeName(groupID)+".yaml")
}

func (p *Processor) document(g domain.PostedGroup) document {
	var ref *domain.ReferenceSnapshot
	if p.reference != nil {
		ref = p.reference.Reference()
	}

	doc := document{
		GroupID:     g.ID,
		Name:        g.Name,
		Narrative:   g.Narrative,
		User:        g.User.Name,
		SubmittedAt: g.SubmittedAt,
		Duration:    g.TotalDuration.String(),
	}
	if ref != nil {
		doc.Reference = ref.VersionMarker()
	}
	for _, t := range g.Tags {
		dt := documentTag{Name: t.Name, Path: t.Path}
		if known, ok := ref.FindTag(t.Name); ok {
			dt.Known = true
			if dt.Path == "" {
				dt.Path = known.Path
			}
		}
		doc.Tags = append(doc.Tags, dt)
	}
	for _, r := range g.Rows {
		doc.Rows = append(doc.Rows, documentRow{
			Activity:     r.Activity,
			Description:  r.Description,
			ActivityHour: r.ActivityHour,
			Duration:     r.Duration.String(),
		})
	}
	return doc
}

// safeName maps a group id to a file name that stays inside the spool
// directory. Bytes other than ASCII letters, digits, '-' and '_' are
// written as %XX, so distinct ids never share a file.
func safeName(id string) string {
	var b strings.Builder
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}
