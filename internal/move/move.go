// Package move implements the Move Operation Manager (spec.md §4.7): the
// lifecycle that relocates a completed download's files from a client's
// native download directory to the category's destination path, whether
// the client moves them itself (nativeMove) or this package must walk
// and copy the tree by hand.
package move

import (
	"context"
	"database/sql"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/karrick/godirwalk"
	"github.com/teris-io/shortid"

	"github.com/got3nks/amule-web-controller-sub002/internal/adapter"
	"github.com/got3nks/amule-web-controller-sub002/internal/apperr"
	"github.com/got3nks/amule-web-controller-sub002/internal/captab"
	"github.com/got3nks/amule-web-controller-sub002/internal/logging"
	"github.com/got3nks/amule-web-controller-sub002/internal/model"
)

// EventSink receives lifecycle notifications; the events package's
// Hook implements this without move depending on events directly.
type EventSink interface {
	Fire(name string, payload map[string]any)
}

type noopSink struct{}

func (noopSink) Fire(string, map[string]any) {}

// Manager tracks in-flight moves, one per compound key, backed by the
// move_operations SQLite table for crash recovery.
type Manager struct {
	db     *sql.DB
	sink   EventSink
	log    *logging.Logger
	sid    *shortid.Shortid
	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func New(db *sql.DB, sink EventSink) *Manager {
	if sink == nil {
		sink = noopSink{}
	}
	sid, err := shortid.New(1, shortid.DefaultABC, 2342)
	if err != nil {
		sid = nil
	}
	return &Manager{
		db:     db,
		sink:   sink,
		log:    logging.New("move"),
		sid:    sid,
		active: map[string]context.CancelFunc{},
	}
}

// Request describes one move to perform.
type Request struct {
	Item             model.UnifiedItem
	Adapter          adapter.Adapter
	SourcePathRemote string
	DestPathLocal    string
	DestPathRemote   string
	CategoryName     string
}

// QueueMove starts the move for a compound key, returning an error if a
// move for that key is already in flight. The caller
// should not block on the returned error for completion — it reports
// only whether the move was accepted, not whether it finished.
func (m *Manager) QueueMove(ctx context.Context, req Request) error {
	key := model.CompoundKey(req.Item.InstanceID, req.Item.Hash)

	m.mu.Lock()
	if _, inFlight := m.active[key]; inFlight {
		m.mu.Unlock()
		return apperr.New(apperr.Config, "move already in progress for %s", key)
	}
	moveCtx, cancel := context.WithCancel(context.Background())
	m.active[key] = cancel
	m.mu.Unlock()

	op := model.MoveOperation{
		CompoundKey:      key,
		Name:             req.Item.Name,
		ClientType:       req.Item.Client,
		SourcePathRemote: req.SourcePathRemote,
		DestPathLocal:    req.DestPathLocal,
		DestPathRemote:   req.DestPathRemote,
		TotalSize:        req.Item.Size,
		IsMultiFile:      false,
		Status:           model.MovePending,
		CategoryName:     req.CategoryName,
	}
	if err := m.upsert(op); err != nil {
		m.mu.Lock()
		delete(m.active, key)
		m.mu.Unlock()
		cancel()
		return err
	}

	go m.run(moveCtx, req, op)
	return nil
}

func (m *Manager) run(ctx context.Context, req Request, op model.MoveOperation) {
	key := op.CompoundKey
	defer func() {
		m.mu.Lock()
		delete(m.active, key)
		m.mu.Unlock()
	}()

	meta, _ := captab.Get(req.Item.Client)

	if meta.Features.PauseBeforeMove {
		if err := req.Adapter.Pause(ctx, req.Item.Hash); err != nil {
			m.fail(op, apperr.Wrap(apperr.Transport, err, "pause before move").Error())
			return
		}
	}

	if meta.Features.NativeMove {
		// nativeMove: the client relocates files itself; this manager's
		// job is just to ask and wait for the destination to appear.
		op.Status = model.MoveMoving
		_ = m.upsert(op)
		if err := req.Adapter.UpdateDirectory(ctx, req.Item.Hash, req.DestPathRemote); err != nil {
			m.fail(op, err.Error())
			return
		}
		op.Status = model.MoveVerifying
		_ = m.upsert(op)
		if !waitForPath(ctx, req.DestPathLocal, 30*time.Second) {
			m.fail(op, "destination path did not appear after native move")
			return
		}
		m.complete(op, req)
		return
	}

	m.copyTree(ctx, op, req)
}

// copyTree performs the manual cross-filesystem move for clients without
// nativeMove, walking multi-file downloads with godirwalk to count files
// and bytes as it goes so MoveOperation.FilesMoved/BytesMoved advance
// incrementally instead of jumping straight to done.
func (m *Manager) copyTree(ctx context.Context, op model.MoveOperation, req Request) {
	op.Status = model.MoveMoving
	_ = m.upsert(op)

	info, err := os.Stat(req.SourcePathRemote)
	if err != nil {
		m.fail(op, apperr.Wrap(apperr.Internal, err, "stat source path").Error())
		return
	}

	if !info.IsDir() {
		if err := m.copyFile(req.SourcePathRemote, filepath.Join(req.DestPathLocal, filepath.Base(req.SourcePathRemote)), &op); err != nil {
			m.fail(op, err.Error())
			return
		}
		op.FilesTotal, op.FilesMoved = 1, 1
		m.complete(op, req)
		return
	}

	op.IsMultiFile = true
	var files []string
	err = godirwalk.Walk(req.SourcePathRemote, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if !de.IsDir() {
				files = append(files, path)
			}
			return nil
		},
		Unsorted: true,
	})
	if err != nil {
		m.fail(op, apperr.Wrap(apperr.Internal, err, "walking source tree").Error())
		return
	}
	op.FilesTotal = len(files)
	_ = m.upsert(op)

	destRoot := filepath.Join(req.DestPathLocal, filepath.Base(req.SourcePathRemote))
	for _, f := range files {
		select {
		case <-ctx.Done():
			m.fail(op, "move cancelled")
			return
		default:
		}
		rel, _ := filepath.Rel(req.SourcePathRemote, f)
		op.CurrentFile = rel
		if err := m.copyFile(f, filepath.Join(destRoot, rel), &op); err != nil {
			m.fail(op, err.Error())
			return
		}
		op.FilesMoved++
		_ = m.upsert(op)
	}
	m.complete(op, req)
}

func (m *Manager) copyFile(src, dst string, op *model.MoveOperation) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return apperr.Wrap(apperr.Internal, err, "creating destination directory")
	}
	in, err := os.Open(src)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "opening source file %s", src)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "creating destination file %s", dst)
	}
	defer out.Close()
	n, err := io.Copy(out, in)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "copying %s", src)
	}
	op.BytesMoved += n
	_ = m.upsert(*op)
	return nil
}

func (m *Manager) complete(op model.MoveOperation, req Request) {
	op.Status = model.MoveDone
	_ = m.upsert(op)
	if err := os.RemoveAll(req.SourcePathRemote); err != nil {
		m.log.Warnf("cleanup source tree %s: %v", req.SourcePathRemote, err)
	}
	m.sink.Fire("fileMoved", map[string]any{"compoundKey": op.CompoundKey, "destination": op.DestPathLocal})
	m.delete(op.CompoundKey)
}

func (m *Manager) fail(op model.MoveOperation, reason string) {
	op.Status = model.MoveFailed
	op.ErrorMessage = reason
	_ = m.upsert(op)
	m.log.Warnf("move %s failed: %s", op.CompoundKey, reason)
}

// Lookup implements pipeline.MoveOverlay.
func (m *Manager) Lookup(compoundKey string) (model.MoveOperation, bool) {
	row := m.db.QueryRow(`SELECT compound_key, name, client_type, source_path_remote, dest_path_local,
		dest_path_remote, total_size, bytes_moved, files_total, files_moved, current_file,
		is_multi_file, status, error_message, category_name
		FROM move_operations WHERE compound_key = ?`, compoundKey)
	var op model.MoveOperation
	var filesTotal, filesMoved sql.NullInt64
	var currentFile, errMsg sql.NullString
	err := row.Scan(&op.CompoundKey, &op.Name, &op.ClientType, &op.SourcePathRemote, &op.DestPathLocal,
		&op.DestPathRemote, &op.TotalSize, &op.BytesMoved, &filesTotal, &filesMoved, &currentFile,
		&op.IsMultiFile, &op.Status, &errMsg, &op.CategoryName)
	if err != nil {
		return model.MoveOperation{}, false
	}
	op.FilesTotal = int(filesTotal.Int64)
	op.FilesMoved = int(filesMoved.Int64)
	op.CurrentFile = currentFile.String
	op.ErrorMessage = errMsg.String
	if op.Status == model.MoveDone {
		return model.MoveOperation{}, false
	}
	return op, true
}

func (m *Manager) upsert(op model.MoveOperation) error {
	_, err := m.db.Exec(`INSERT INTO move_operations
		(compound_key, name, client_type, source_path_remote, dest_path_local, dest_path_remote,
		 total_size, bytes_moved, files_total, files_moved, current_file, is_multi_file, status, error_message, category_name)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(compound_key) DO UPDATE SET
			bytes_moved=excluded.bytes_moved, files_total=excluded.files_total,
			files_moved=excluded.files_moved, current_file=excluded.current_file,
			status=excluded.status, error_message=excluded.error_message`,
		op.CompoundKey, op.Name, op.ClientType, op.SourcePathRemote, op.DestPathLocal, op.DestPathRemote,
		op.TotalSize, op.BytesMoved, op.FilesTotal, op.FilesMoved, op.CurrentFile, op.IsMultiFile,
		op.Status, op.ErrorMessage, op.CategoryName)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "persisting move operation %s", op.CompoundKey)
	}
	return nil
}

func (m *Manager) delete(compoundKey string) {
	if _, err := m.db.Exec(`DELETE FROM move_operations WHERE compound_key = ?`, compoundKey); err != nil {
		m.log.Warnf("cleanup move_operations row %s: %v", compoundKey, err)
	}
}

// NewMoveID mints a short, unique identifier for ad-hoc move-related log
// correlation; the compound key remains the durable identity.
func (m *Manager) NewMoveID() string {
	if m.sid == nil {
		return ""
	}
	id, err := m.sid.Generate()
	if err != nil {
		return ""
	}
	return id
}

func waitForPath(ctx context.Context, path string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(500 * time.Millisecond):
		}
	}
	_, err := os.Stat(path)
	return err == nil
}
