package workspace

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gorm.io/gorm"

	"tokengate/internal/apperr"
	"tokengate/internal/config"
	"tokengate/pkg/models"
)

// Info is the wire view of a workspace. Client workspaces carry no server
// root; they are advisory registrations describing a caller-side directory.
type Info struct {
	ID          string               `json:"id"`
	Kind        models.WorkspaceKind `json:"kind"`
	DisplayName string               `json:"display_name,omitempty"`
	ReadOnly    bool                 `json:"read_only"`
	CreatedAt   time.Time            `json:"created_at"`
}

func infoFrom(rec models.WorkspaceRecord) Info {
	return Info{
		ID:          rec.ID,
		Kind:        rec.Kind,
		DisplayName: rec.DisplayName,
		ReadOnly:    rec.ReadOnly,
		CreatedAt:   rec.CreatedAt,
	}
}

// Register adds a server workspace at runtime. The root must exist and be a
// directory; a duplicate id is a conflict.
func (m *Manager) Register(spec config.WorkspaceSpec) (Info, error) {
	if spec.ID == "" {
		return Info{}, apperr.InvalidArgument("workspace id is required")
	}
	if spec.Root == "" {
		return Info{}, apperr.InvalidArgument("workspace root is required")
	}
	info, err := os.Stat(spec.Root)
	if err != nil || !info.IsDir() {
		return Info{}, apperr.InvalidArgument("workspace root %q is not a directory", spec.Root)
	}

	rec := recordFromSpec(spec)
	if err := m.db.Create(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE") {
			return Info{}, apperr.Conflict("workspace %q already exists", spec.ID)
		}
		return Info{}, apperr.Internal("register workspace").WithCause(err)
	}
	return infoFrom(rec), nil
}

// Unregister removes a server workspace. Files on disk are untouched.
func (m *Manager) Unregister(workspaceID string) error {
	res := m.db.Where("id = ? AND kind = ?", workspaceID, models.WorkspaceServer).
		Delete(&models.WorkspaceRecord{})
	if res.Error != nil {
		return apperr.Internal("unregister workspace").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("unknown workspace %q", workspaceID)
	}
	return nil
}

// ListWorkspaces returns server workspaces.
func (m *Manager) ListWorkspaces() ([]Info, error) {
	return m.listByKind(models.WorkspaceServer)
}

// RegisterClient records an advisory client-side workspace. No server path
// is associated and no file operation will ever resolve against it.
func (m *Manager) RegisterClient(id, displayName string) (Info, error) {
	if id == "" {
		return Info{}, apperr.InvalidArgument("workspace id is required")
	}
	rec := models.WorkspaceRecord{
		ID:          id,
		Kind:        models.WorkspaceClient,
		DisplayName: displayName,
	}
	if err := m.db.Create(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE") {
			return Info{}, apperr.Conflict("workspace %q already exists", id)
		}
		return Info{}, apperr.Internal("register client workspace").WithCause(err)
	}
	return infoFrom(rec), nil
}

// ListClientWorkspaces returns client registrations.
func (m *Manager) ListClientWorkspaces() ([]Info, error) {
	return m.listByKind(models.WorkspaceClient)
}

// RemoveClient deletes a client registration. Idempotent.
func (m *Manager) RemoveClient(id string) error {
	err := m.db.Where("id = ? AND kind = ?", id, models.WorkspaceClient).
		Delete(&models.WorkspaceRecord{}).Error
	if err != nil {
		return apperr.Internal("remove client workspace").WithCause(err)
	}
	return nil
}

func (m *Manager) listByKind(kind models.WorkspaceKind) ([]Info, error) {
	var recs []models.WorkspaceRecord
	if err := m.db.Where("kind = ?", kind).Order("id").Find(&recs).Error; err != nil {
		return nil, apperr.Internal("list workspaces").WithCause(err)
	}
	out := make([]Info, 0, len(recs))
	for _, r := range recs {
		out = append(out, infoFrom(r))
	}
	return out, nil
}

// Resource is a workspace file projected onto the MCP resource shape.
type Resource struct {
	URI      string `json:"uri"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
}

// resourceMimeTypes covers the extensions worth labeling; everything else is
// served as text/plain.
var resourceMimeTypes = map[string]string{
	".json": "application/json",
	".md":   "text/markdown",
	".html": "text/html",
	".css":  "text/css",
	".js":   "text/javascript",
	".go":   "text/x-go",
	".py":   "text/x-python",
	".yaml": "application/yaml",
	".yml":  "application/yaml",
	".txt":  "text/plain",
}

func mimeFor(p string) string {
	for ext, mt := range resourceMimeTypes {
		if strings.HasSuffix(p, ext) {
			return mt
		}
	}
	return "text/plain"
}

// GetResources lists every file of every server workspace as an MCP
// resource with a workspace:// URI.
func (m *Manager) GetResources() ([]Resource, error) {
	infos, err := m.ListWorkspaces()
	if err != nil {
		return nil, err
	}
	var out []Resource
	for _, ws := range infos {
		listing, err := m.ListFiles(ws.ID, "", true, false)
		if err != nil {
			continue // an unreadable root should not hide the other workspaces
		}
		for _, e := range listing.Entries {
			out = append(out, Resource{
				URI:      fmt.Sprintf("workspace://%s/%s", ws.ID, e.Path),
				Name:     e.Name,
				MimeType: mimeFor(e.Path),
			})
		}
	}
	return out, nil
}

// ReadResource reads a workspace://<id>/<path> URI.
func (m *Manager) ReadResource(uri string) (*FileContent, error) {
	rest, ok := strings.CutPrefix(uri, "workspace://")
	if !ok {
		return nil, apperr.InvalidArgument("unsupported resource uri %q", uri)
	}
	id, rel, ok := strings.Cut(rest, "/")
	if !ok || id == "" || rel == "" {
		return nil, apperr.InvalidArgument("malformed resource uri %q", uri)
	}
	return m.ReadFile(id, rel, EncodingUTF8)
}
