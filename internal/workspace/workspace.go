// Package workspace exposes a sandboxed filesystem over registered roots.
//
// Every request path goes through the containment algorithm: relative paths
// only, symlink policy, prefix check at a segment boundary, then glob,
// extension and size policy. Client workspaces are advisory metadata and
// never grant file access.
package workspace

import (
	"encoding/base64"
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/gorm"

	"tokengate/internal/apperr"
	"tokengate/internal/config"
	"tokengate/pkg/models"
)

// Encoding selects the read/write content transfer form.
type Encoding string

const (
	EncodingUTF8   Encoding = "utf8"
	EncodingBase64 Encoding = "base64"
	EncodingBinary Encoding = "binary"
)

// Entry is one listed file or directory.
type Entry struct {
	Path  string    `json:"path"`
	Name  string    `json:"name"`
	IsDir bool      `json:"is_dir"`
	Size  int64     `json:"size"`
	MTime time.Time `json:"mtime"`
}

// ListResult carries entries plus a truncation flag when the traversal
// limit was hit.
type ListResult struct {
	Entries   []Entry `json:"entries"`
	Truncated bool    `json:"truncated"`
}

// FileContent is a read result.
type FileContent struct {
	Path     string   `json:"path"`
	Encoding Encoding `json:"encoding"`
	Content  string   `json:"content"`
	Size     int64    `json:"size"`
}

// Manager owns the server and client workspace registries.
type Manager struct {
	db            *gorm.DB
	traversalsMax int
}

// NewManager seeds the server registry from configuration. Config-declared
// workspaces are authoritative: they are upserted on startup.
func NewManager(db *gorm.DB, cfg *config.Config) (*Manager, error) {
	m := &Manager{db: db, traversalsMax: cfg.ListTraversalLimit}
	if m.traversalsMax <= 0 {
		m.traversalsMax = 10000
	}
	for _, spec := range cfg.Workspaces {
		rec := recordFromSpec(spec)
		var existing models.WorkspaceRecord
		err := db.Where("id = ?", rec.ID).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := db.Create(&rec).Error; err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := db.Model(&existing).Select("*").Omit("id", "created_at").Updates(&rec).Error; err != nil {
			return nil, err
		}
	}
	return m, nil
}

func recordFromSpec(spec config.WorkspaceSpec) models.WorkspaceRecord {
	id := spec.ID
	if id == "" {
		id = "default"
	}
	maxSize := spec.MaxFileSize
	if maxSize <= 0 {
		maxSize = 10 << 20
	}
	return models.WorkspaceRecord{
		ID:             id,
		Kind:           models.WorkspaceServer,
		Root:           spec.Root,
		DisplayName:    spec.DisplayName,
		ReadOnly:       spec.ReadOnly,
		AllowGlobs:     strings.Join(spec.AllowGlobs, ","),
		BlockGlobs:     strings.Join(spec.BlockGlobs, ","),
		AllowExts:      strings.Join(spec.AllowExts, ","),
		BlockExts:      strings.Join(spec.BlockExts, ","),
		MaxFileSize:    maxSize,
		FollowSymlinks: spec.FollowSymlinks,
	}
}

// get fetches a server workspace; client records never resolve here.
func (m *Manager) get(workspaceID string) (*models.WorkspaceRecord, error) {
	var rec models.WorkspaceRecord
	err := m.db.Where("id = ? AND kind = ?", workspaceID, models.WorkspaceServer).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("unknown workspace %q", workspaceID)
	}
	if err != nil {
		return nil, apperr.Internal("lookup workspace").WithCause(err)
	}
	return &rec, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func matchAny(patterns []string, rel string) bool {
	for _, pat := range patterns {
		if ok, _ := path.Match(pat, rel); ok {
			return true
		}
	}
	return false
}

// resolve runs the containment algorithm and returns the absolute on-disk
// path plus the cleaned workspace-relative path.
func (m *Manager) resolve(rec *models.WorkspaceRecord, reqPath string) (abs, rel string, err error) {
	if filepath.IsAbs(reqPath) || strings.HasPrefix(reqPath, "/") {
		return "", "", apperr.InvalidPath("absolute paths are not allowed")
	}

	rel = path.Clean(strings.ReplaceAll(reqPath, "\\", "/"))
	if rel == "." {
		rel = ""
	}
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", "", apperr.InvalidPath("path escapes workspace root")
	}

	rootReal, err2 := filepath.EvalSymlinks(rec.Root)
	if err2 != nil {
		return "", "", apperr.Internal("workspace root unavailable").WithCause(err2)
	}

	joined := filepath.Join(rootReal, filepath.FromSlash(rel))

	if !rec.FollowSymlinks {
		if err := rejectSymlinks(rootReal, rel); err != nil {
			return "", "", err
		}
		abs = joined
	} else {
		resolved, err2 := filepath.EvalSymlinks(joined)
		if err2 != nil {
			if os.IsNotExist(err2) {
				// Target does not exist yet (writes); containment is judged
				// on the deepest existing ancestor.
				resolved = joined
			} else {
				return "", "", apperr.InvalidPath("cannot resolve path")
			}
		}
		abs = resolved
	}

	// Strict prefix at a segment boundary: /root-evil must not pass /root.
	if abs != rootReal && !strings.HasPrefix(abs, rootReal+string(filepath.Separator)) {
		return "", "", apperr.InvalidPath("path escapes workspace root")
	}

	if rel != "" {
		if allow := splitList(rec.AllowGlobs); len(allow) > 0 && !matchAny(allow, rel) {
			return "", "", apperr.InvalidPath("path not in workspace allow-list")
		}
		if matchAny(splitList(rec.BlockGlobs), rel) {
			return "", "", apperr.InvalidPath("path is blocked by workspace policy")
		}
	}

	return abs, rel, nil
}

// rejectSymlinks refuses any symlink along the relative chain.
func rejectSymlinks(root, rel string) error {
	if rel == "" {
		return nil
	}
	current := root
	for _, seg := range strings.Split(rel, "/") {
		current = filepath.Join(current, seg)
		info, err := os.Lstat(current)
		if err != nil {
			if os.IsNotExist(err) {
				return nil // remainder does not exist yet; nothing to follow
			}
			return apperr.InvalidPath("cannot inspect path")
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return apperr.InvalidPath("symlinks are not allowed in this workspace")
		}
	}
	return nil
}

// checkExtension applies the allow/block extension lists to a file path.
func checkExtension(rec *models.WorkspaceRecord, rel string) error {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(rel)), ".")
	if allow := splitList(rec.AllowExts); len(allow) > 0 {
		ok := false
		for _, a := range allow {
			if strings.EqualFold(strings.TrimPrefix(a, "."), ext) {
				ok = true
				break
			}
		}
		if !ok {
			return apperr.InvalidPath("file extension not allowed")
		}
	}
	for _, b := range splitList(rec.BlockExts) {
		if strings.EqualFold(strings.TrimPrefix(b, "."), ext) {
			return apperr.InvalidPath("file extension is blocked")
		}
	}
	return nil
}

// ListFiles enumerates a directory, optionally recursively. Traversal is
// bounded; exceeding the bound returns a truncated result with the flag set.
func (m *Manager) ListFiles(workspaceID, reqPath string, recursive, includeDirs bool) (*ListResult, error) {
	rec, err := m.get(workspaceID)
	if err != nil {
		return nil, err
	}
	abs, rel, err := m.resolve(rec, reqPath)
	if err != nil {
		return nil, err
	}

	info, err2 := os.Stat(abs)
	if err2 != nil {
		if os.IsNotExist(err2) {
			return nil, apperr.NotFound("path %q not found", reqPath)
		}
		return nil, apperr.Internal("stat path").WithCause(err2)
	}
	if !info.IsDir() {
		return nil, apperr.InvalidPath("%q is not a directory", reqPath)
	}

	result := &ListResult{}
	var walk func(dirAbs, dirRel string) error
	walk = func(dirAbs, dirRel string) error {
		entries, err := os.ReadDir(dirAbs)
		if err != nil {
			return apperr.Internal("read directory").WithCause(err)
		}
		for _, e := range entries {
			if len(result.Entries) >= m.traversalsMax {
				result.Truncated = true
				return nil
			}
			childRel := path.Join(dirRel, e.Name())
			if matchAny(splitList(rec.BlockGlobs), childRel) {
				continue
			}
			// The allow list hides non-matching files from listings too, not
			// just from reads. Directories stay visible to traversal.
			if allow := splitList(rec.AllowGlobs); len(allow) > 0 && !e.IsDir() && !matchAny(allow, childRel) {
				continue
			}
			fi, err := e.Info()
			if err != nil {
				continue
			}
			if !rec.FollowSymlinks && fi.Mode()&os.ModeSymlink != 0 {
				continue
			}
			if e.IsDir() {
				if includeDirs {
					result.Entries = append(result.Entries, Entry{
						Path: childRel, Name: e.Name(), IsDir: true, MTime: fi.ModTime(),
					})
				}
				if recursive && !result.Truncated {
					if err := walk(filepath.Join(dirAbs, e.Name()), childRel); err != nil {
						return err
					}
				}
				continue
			}
			result.Entries = append(result.Entries, Entry{
				Path: childRel, Name: e.Name(), IsDir: false, Size: fi.Size(), MTime: fi.ModTime(),
			})
		}
		return nil
	}
	if err := walk(abs, rel); err != nil {
		return nil, err
	}
	return result, nil
}

// ReadFile returns file contents in the requested encoding. binary behaves
// like base64 on the wire; the distinction is the caller's declared intent.
func (m *Manager) ReadFile(workspaceID, reqPath string, enc Encoding) (*FileContent, error) {
	rec, err := m.get(workspaceID)
	if err != nil {
		return nil, err
	}
	abs, rel, err := m.resolve(rec, reqPath)
	if err != nil {
		return nil, err
	}
	if err := checkExtension(rec, rel); err != nil {
		return nil, err
	}

	info, err2 := os.Stat(abs)
	if err2 != nil {
		if os.IsNotExist(err2) {
			return nil, apperr.NotFound("file %q not found", reqPath)
		}
		return nil, apperr.Internal("stat file").WithCause(err2)
	}
	if info.IsDir() {
		return nil, apperr.InvalidPath("%q is a directory", reqPath)
	}
	if info.Size() > rec.MaxFileSize {
		return nil, apperr.InvalidPath("file exceeds workspace size limit (%d bytes)", rec.MaxFileSize)
	}

	raw, err2 := os.ReadFile(abs)
	if err2 != nil {
		return nil, apperr.Internal("read file").WithCause(err2)
	}

	content := ""
	switch enc {
	case EncodingUTF8, "":
		enc = EncodingUTF8
		content = string(raw)
	case EncodingBase64, EncodingBinary:
		content = base64.StdEncoding.EncodeToString(raw)
	default:
		return nil, apperr.InvalidArgument("unknown encoding %q", enc)
	}

	return &FileContent{Path: rel, Encoding: enc, Content: content, Size: info.Size()}, nil
}

// WriteFile writes atomically: content lands in a sibling temp file that is
// renamed into place, so a crash never leaves a truncated target.
func (m *Manager) WriteFile(workspaceID, reqPath, content string, enc Encoding) error {
	rec, err := m.get(workspaceID)
	if err != nil {
		return err
	}
	if rec.ReadOnly {
		return apperr.InvalidPath("workspace %q is read-only", workspaceID)
	}
	abs, rel, err := m.resolve(rec, reqPath)
	if err != nil {
		return err
	}
	if rel == "" {
		return apperr.InvalidPath("cannot write to workspace root")
	}
	if err := checkExtension(rec, rel); err != nil {
		return err
	}

	var raw []byte
	switch enc {
	case EncodingUTF8, "":
		raw = []byte(content)
	case EncodingBase64, EncodingBinary:
		raw, err = func() ([]byte, error) { return base64.StdEncoding.DecodeString(content) }()
		if err != nil {
			return apperr.InvalidArgument("content is not valid base64")
		}
	default:
		return apperr.InvalidArgument("unknown encoding %q", enc)
	}
	if int64(len(raw)) > rec.MaxFileSize {
		return apperr.InvalidPath("content exceeds workspace size limit (%d bytes)", rec.MaxFileSize)
	}

	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.Internal("create directories").WithCause(err)
	}

	tmp, err2 := os.CreateTemp(dir, "."+filepath.Base(abs)+".tmp-*")
	if err2 != nil {
		return apperr.Internal("create temp file").WithCause(err2)
	}
	tmpName := tmp.Name()
	if _, err2 := tmp.Write(raw); err2 != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apperr.Internal("write file").WithCause(err2)
	}
	if err2 := tmp.Close(); err2 != nil {
		os.Remove(tmpName)
		return apperr.Internal("close temp file").WithCause(err2)
	}
	if err2 := os.Rename(tmpName, abs); err2 != nil {
		os.Remove(tmpName)
		return apperr.Internal("rename into place").WithCause(err2)
	}
	return nil
}

// PathExists checks whether a path resolves inside the workspace and exists.
func (m *Manager) PathExists(workspaceID, reqPath string) (bool, error) {
	rec, err := m.get(workspaceID)
	if err != nil {
		return false, err
	}
	abs, _, err := m.resolve(rec, reqPath)
	if err != nil {
		return false, err
	}
	_, err2 := os.Stat(abs)
	if err2 != nil {
		if os.IsNotExist(err2) {
			return false, nil
		}
		return false, apperr.Internal("stat path").WithCause(err2)
	}
	return true, nil
}
