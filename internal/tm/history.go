package tm

import (
	"fmt"
	"path/filepath"

	"tm-go/internal/model"
)

// History returns the most recent sessions, newest first. limit <= 0
// returns all of them.
func (e *Engine) History(limit int) ([]*model.Session, error) {
	sessions, err := e.db.ListSessions()
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	out := make([]*model.Session, 0, len(sessions))
	for i := len(sessions) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, sessions[i])
	}
	return out, nil
}

// FileHistory returns every recorded version of a source-relative path,
// oldest first.
func (e *Engine) FileHistory(path string) ([]*model.FileRecord, error) {
	rel, err := cleanRelative(path)
	if err != nil {
		return nil, validationError("file history", path, err)
	}
	records, err := e.db.GetFileHistory(rel)
	if err != nil {
		return nil, fmt.Errorf("getting file history: %w", err)
	}
	return records, nil
}

// Location is a snapshot copy of some content.
type Location struct {
	Record  *model.FileRecord
	Session *model.Session
	// Path is the absolute path of the copy inside its snapshot.
	Path string
}

// Where returns every snapshot copy of the content with the given checksum.
// Records whose session no longer exists are skipped.
func (e *Engine) Where(checksum string) ([]Location, error) {
	records, err := e.db.FindFilesByChecksum(checksum)
	if err != nil {
		return nil, fmt.Errorf("finding checksum: %w", err)
	}

	sessions := make(map[string]*model.Session)
	var out []Location
	for _, r := range records {
		s, ok := sessions[r.SessionID]
		if !ok {
			s, err = e.db.GetSession(r.SessionID)
			if err != nil {
				return nil, fmt.Errorf("getting session %s: %w", r.SessionID, err)
			}
			sessions[r.SessionID] = s
		}
		if s == nil {
			continue
		}
		out = append(out, Location{
			Record:  r,
			Session: s,
			Path:    filepath.Join(BackupsRoot(s.DestinationPath), s.SnapshotID, filepath.FromSlash(r.Path)),
		})
	}
	return out, nil
}
