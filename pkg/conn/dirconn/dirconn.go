// Package dirconn is a transport over a plain directory tree, typically a
// folder kept in sync by a cloud storage client. Each owner gets a
// subdirectory:
//
//	<root>/<owner>/log/<ts>-<id>.json
//	<root>/<owner>/outbox/<ts>-<id>.json
//	<root>/<owner>/inbox/<seq>-<id>.json
//	<root>/<owner>/checkpoints/full.json
//	<root>/<owner>/checkpoints/incremental/<seq>.json
//	<root>/<owner>/rolling.json
//
// Files are written to a hidden temp file and renamed into place, so a
// reader never sees a partial document from this process. Sync clients may
// still surface half-downloaded files; those decode as ErrCorrupt.
package dirconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/oklog/ulid/v2"

	"github.com/daviddao/eventfold/pkg/conn"
	"github.com/daviddao/eventfold/pkg/model"
)

const (
	dirLog         = "log"
	dirOutbox      = "outbox"
	dirInbox       = "inbox"
	dirCheckpoints = "checkpoints"
	dirIncremental = "incremental"
	fileFull       = "full.json"
	fileRolling    = "rolling.json"
)

// Conn is one owner's view of a directory medium.
type Conn struct {
	root  string // <root>/<owner>
	owner string
	now   func() time.Time
}

// Open prepares the owner directory under root.
func Open(root, owner string) (*Conn, error) {
	if err := checkName(owner); err != nil {
		return nil, err
	}
	c := &Conn{
		root:  filepath.Join(root, owner),
		owner: owner,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, d := range []string{dirLog, dirOutbox, dirInbox, filepath.Join(dirCheckpoints, dirIncremental)} {
		if err := os.MkdirAll(filepath.Join(c.root, d), 0o755); err != nil {
			return nil, classify(fmt.Errorf("create %s: %w", d, err))
		}
	}
	return c, nil
}

// Owners lists the owner directories under root.
func Owners(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, classify(err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// checkName rejects ids that cannot be used as a file name component.
func checkName(id string) error {
	if id == "" || strings.HasPrefix(id, ".") || strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) {
		return fmt.Errorf("%w: unusable id %q", conn.ErrMalformed, id)
	}
	return nil
}

// classify maps filesystem failures onto the transport error taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", conn.ErrUnauthorized, err)
	case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EBUSY),
		errors.Is(err, syscall.ETIMEDOUT), errors.Is(err, syscall.EINTR),
		errors.Is(err, syscall.EIO), errors.Is(err, syscall.ESTALE):
		return fmt.Errorf("%w: %v", conn.ErrTransient, err)
	}
	return err
}

// ---------------------------------------------------------------------------
// File helpers
// ---------------------------------------------------------------------------

// writeFile writes data under a hidden temp name and renames it into place.
func writeFile(path string, data []byte) error {
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp."+ulid.Make().String())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return classify(err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return classify(err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return classify(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return classify(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return classify(err)
	}
	return nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", conn.ErrMalformed, err)
	}
	return writeFile(path, data)
}

// readDoc reads and validates a single document. A missing file maps to
// ErrNotFound, an invalid one to ErrCorrupt.
func readDoc(path string, kind model.DocumentKind, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", filepath.Base(path), conn.ErrNotFound)
		}
		return classify(err)
	}
	if err := model.DecodeDocument(kind, data, out); err != nil {
		return fmt.Errorf("%s: %w: %v", filepath.Base(path), conn.ErrCorrupt, err)
	}
	return nil
}

// entry is a "<n>-<id>.json" file in a queue directory.
type entry struct {
	n    int64
	id   string
	name string
}

// listEntries returns the visible queue files of dir sorted by (n, id).
func listEntries(dir string) ([]entry, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]entry, 0, len(des))
	for _, de := range des {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		stem := strings.TrimSuffix(name, ".json")
		prefix, id, ok := strings.Cut(stem, "-")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(prefix, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, entry{n: n, id: id, name: name})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].n != out[j].n {
			return out[i].n < out[j].n
		}
		return out[i].id < out[j].id
	})
	return out, nil
}

func entryName(n int64, id string) string {
	return fmt.Sprintf("%020d-%s.json", n, id)
}

// ---------------------------------------------------------------------------
// Inbox
// ---------------------------------------------------------------------------

func (c *Conn) SendProposedChange(ctx context.Context, p model.ProposedChange) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkName(p.ID); err != nil {
		return err
	}
	dir := filepath.Join(c.root, dirInbox)
	entries, err := listEntries(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.id == p.ID {
			return nil
		}
	}
	return writeJSON(filepath.Join(dir, entryName(c.now().UnixNano(), p.ID)), p)
}

// GetNextProposedChange returns the oldest inbox file. A file that does not
// decode is returned with only its id so the owner rejects and removes it.
func (c *Conn) GetNextProposedChange(ctx context.Context) (model.ProposedChange, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.ProposedChange{}, false, err
	}
	dir := filepath.Join(c.root, dirInbox)
	entries, err := listEntries(dir)
	if err != nil {
		return model.ProposedChange{}, false, err
	}
	for _, e := range entries {
		var p model.ProposedChange
		err := readDoc(filepath.Join(dir, e.name), model.DocProposedChange, &p)
		switch {
		case err == nil:
			p.ID = e.id
			return p, true, nil
		case errors.Is(err, conn.ErrNotFound):
			continue // removed since listing
		case errors.Is(err, conn.ErrCorrupt):
			return model.ProposedChange{ID: e.id}, true, nil
		default:
			return model.ProposedChange{}, false, err
		}
	}
	return model.ProposedChange{}, false, nil
}

func (c *Conn) RemoveProposedChangeFromInbox(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Join(c.root, dirInbox)
	entries, err := listEntries(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.id != id {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return classify(err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Event log and outbox
// ---------------------------------------------------------------------------

func (c *Conn) WriteEventToLog(ctx context.Context, e model.Event) error {
	return c.putEvent(ctx, dirLog, e)
}

func (c *Conn) WriteEventToOutbox(ctx context.Context, e model.Event) error {
	return c.putEvent(ctx, dirOutbox, e)
}

func (c *Conn) GetAllEvents(ctx context.Context) ([]model.Event, error) {
	return c.listEvents(ctx, dirLog, time.Time{})
}

func (c *Conn) GetEventsSince(ctx context.Context, since time.Time) ([]model.Event, error) {
	return c.listEvents(ctx, dirLog, since)
}

func (c *Conn) GetOutboxEventsSince(ctx context.Context, since time.Time) ([]model.Event, error) {
	return c.listEvents(ctx, dirOutbox, since)
}

func (c *Conn) putEvent(ctx context.Context, sub string, e model.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkName(e.ID); err != nil {
		return err
	}
	return writeJSON(filepath.Join(c.root, sub, entryName(e.EventTimestamp.UnixNano(), e.ID)), e)
}

func (c *Conn) listEvents(ctx context.Context, sub string, since time.Time) ([]model.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := filepath.Join(c.root, sub)
	entries, err := listEntries(dir)
	if err != nil {
		return nil, err
	}
	events := make([]model.Event, 0, len(entries))
	for _, en := range entries {
		if !since.IsZero() && en.n < since.UnixNano() {
			continue
		}
		var e model.Event
		if err := readDoc(filepath.Join(dir, en.name), model.DocEvent, &e); err != nil {
			if errors.Is(err, conn.ErrNotFound) {
				continue
			}
			return nil, err
		}
		events = append(events, e)
	}
	events = conn.FilterSince(events, since)
	conn.SortEvents(events)
	return events, nil
}

// ---------------------------------------------------------------------------
// Checkpoints and rolling state
// ---------------------------------------------------------------------------

func (c *Conn) UploadFullCheckpoint(ctx context.Context, cp model.FullCheckpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeJSON(filepath.Join(c.root, dirCheckpoints, fileFull), cp)
}

func (c *Conn) DownloadFullCheckpoint(ctx context.Context) (model.FullCheckpoint, error) {
	var cp model.FullCheckpoint
	if err := ctx.Err(); err != nil {
		return cp, err
	}
	if err := readDoc(filepath.Join(c.root, dirCheckpoints, fileFull), model.DocFullCheckpoint, &cp); err != nil {
		return model.FullCheckpoint{}, fmt.Errorf("full checkpoint for %s: %w", c.owner, err)
	}
	return cp, nil
}

func (c *Conn) UploadIncrementalCheckpoint(ctx context.Context, cp model.IncrementalCheckpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cp.SequenceNo < 1 {
		return fmt.Errorf("%w: incremental sequence %d", conn.ErrMalformed, cp.SequenceNo)
	}
	name := fmt.Sprintf("%010d.json", cp.SequenceNo)
	return writeJSON(filepath.Join(c.root, dirCheckpoints, dirIncremental, name), cp)
}

func (c *Conn) ListIncrementalCheckpoints(ctx context.Context) ([]model.IncrementalCheckpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := filepath.Join(c.root, dirCheckpoints, dirIncremental)
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, classify(err)
	}
	var out []model.IncrementalCheckpoint
	for _, de := range des {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		var cp model.IncrementalCheckpoint
		if err := readDoc(filepath.Join(dir, name), model.DocIncrementalCheckpoint, &cp); err != nil {
			if errors.Is(err, conn.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNo < out[j].SequenceNo })
	return out, nil
}

func (c *Conn) DeleteIncrementalCheckpoints(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Join(c.root, dirCheckpoints, dirIncremental)
	des, err := os.ReadDir(dir)
	if err != nil {
		return classify(err)
	}
	for _, de := range des {
		if err := os.Remove(filepath.Join(dir, de.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return classify(err)
		}
	}
	return nil
}

func (c *Conn) UploadRollingState(ctx context.Context, rs model.RollingState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rs.Events == nil {
		rs.Events = []model.Event{}
	}
	return writeJSON(filepath.Join(c.root, fileRolling), rs)
}

func (c *Conn) DownloadRollingState(ctx context.Context) (model.RollingState, error) {
	var rs model.RollingState
	if err := ctx.Err(); err != nil {
		return rs, err
	}
	if err := readDoc(filepath.Join(c.root, fileRolling), model.DocRollingState, &rs); err != nil {
		return model.RollingState{}, fmt.Errorf("rolling state for %s: %w", c.owner, err)
	}
	return rs, nil
}

func (c *Conn) Close() error { return nil }

// ---------------------------------------------------------------------------
// Inbox watch
// ---------------------------------------------------------------------------

// Watch signals on the returned channel whenever a file lands in the inbox.
// Signals coalesce; the channel is closed when ctx is done.
func (c *Conn) Watch(ctx context.Context) (<-chan struct{}, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("inbox watcher: %w", err)
	}
	if err := w.Add(filepath.Join(c.root, dirInbox)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch inbox: %w", err)
	}
	wake := make(chan struct{}, 1)
	go func() {
		defer close(wake)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if strings.HasPrefix(filepath.Base(ev.Name), ".") {
					continue
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return wake, nil
}

// Compile-time check that *Conn implements conn.Connection.
var _ conn.Connection = (*Conn)(nil)
