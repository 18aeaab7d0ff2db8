package infrastructure

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"resume-docgen/internal/domain"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const artifactTimeLayout = "20060102T150405.000000000Z"

var contentTypes = map[string]string{
	".pdf":  "application/pdf",
	".html": "text/html; charset=utf-8",
}

// FSArtifactStore writes artifacts into a single directory. Names are
// <jobID>_<UTC timestamp>.pdf with a strictly increasing timestamp, and
// publication goes through a hard link so an existing name is never
// overwritten and readers never see a partial file.
type FSArtifactStore struct {
	dir string
	log *zap.SugaredLogger
	now func() time.Time

	mu   sync.Mutex
	last time.Time
}

func NewFSArtifactStore(dir string, log *zap.SugaredLogger) (*FSArtifactStore, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if dir == "" {
		return nil, errors.New("artifact directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create artifact dir %s", dir)
	}
	return &FSArtifactStore{dir: dir, log: log.Named("artifacts"), now: time.Now}, nil
}

func (s *FSArtifactStore) Dir() string { return s.dir }

// stamp returns a timestamp strictly after the previous one.
func (s *FSArtifactStore) stamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Nanosecond)
	}
	s.last = t
	return t
}

func (s *FSArtifactStore) Save(ctx context.Context, jobID uuid.UUID, data []byte) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		name := jobID.String() + "_" + s.stamp().Format(artifactTimeLayout) + ".pdf"
		err := s.publish(name, data)
		if errors.Is(err, fs.ErrExist) {
			s.log.Warnw("artifact name taken, retrying", "name", name)
			continue
		}
		if err != nil {
			return "", err
		}
		return name, nil
	}
	return "", errors.Newf("could not find a free artifact name for job %s", jobID)
}

// SaveAs stores data under ref+ext, replacing any previous copy. It backs
// auxiliary files such as the composed HTML.
func (s *FSArtifactStore) SaveAs(_ context.Context, ref, ext string, data []byte) (string, error) {
	name := ref + ext
	path, err := s.path(name)
	if err != nil {
		return "", err
	}
	tmp, err := s.writeTemp(data)
	if err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", errors.Wrapf(err, "publish %s", name)
	}
	return name, nil
}

func (s *FSArtifactStore) publish(name string, data []byte) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	tmp, err := s.writeTemp(data)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return err
		}
		return errors.Wrapf(err, "publish %s", name)
	}
	return nil
}

func (s *FSArtifactStore) writeTemp(data []byte) (string, error) {
	f, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return "", errors.Wrap(err, "create temp artifact")
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", errors.Wrap(err, "write temp artifact")
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", errors.Wrap(err, "sync temp artifact")
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", errors.Wrap(err, "close temp artifact")
	}
	return name, nil
}

func (s *FSArtifactStore) Open(_ context.Context, ref string) ([]byte, string, error) {
	path, err := s.path(ref)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", errors.WithDetailf(domain.ErrArtifactNotFound, "artifact %s", ref)
	}
	if err != nil {
		return nil, "", errors.Wrapf(err, "read artifact %s", ref)
	}
	ct, ok := contentTypes[strings.ToLower(filepath.Ext(ref))]
	if !ok {
		ct = "application/octet-stream"
	}
	return data, ct, nil
}

// Delete removes ref and the composed HTML kept for the same job. Missing
// files are not an error.
func (s *FSArtifactStore) Delete(_ context.Context, ref string) error {
	path, err := s.path(ref)
	if err != nil {
		return err
	}
	targets := []string{path}
	if stem, _, ok := strings.Cut(ref, "_"); ok {
		if _, err := uuid.Parse(stem); err == nil {
			targets = append(targets, filepath.Join(s.dir, stem+".html"))
		}
	}
	for _, p := range targets {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return errors.Wrapf(err, "delete artifact %s", filepath.Base(p))
		}
	}
	return nil
}

// path resolves a bare artifact name inside the store directory.
func (s *FSArtifactStore) path(ref string) (string, error) {
	if ref == "" || ref != filepath.Base(ref) || strings.ContainsAny(ref, `/\`) || strings.HasPrefix(ref, ".") {
		return "", errors.Newf("invalid artifact reference %q", ref)
	}
	return filepath.Join(s.dir, ref), nil
}
