package workspace

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokengate/internal/apperr"
	"tokengate/internal/config"
	"tokengate/internal/store"
)

func newTestManager(t *testing.T, specs ...config.WorkspaceSpec) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	if len(specs) == 0 {
		specs = []config.WorkspaceSpec{{ID: "ws", Root: root}}
	} else {
		for i := range specs {
			if specs[i].Root == "" {
				specs[i].Root = root
			}
		}
	}
	db, err := store.OpenForTest()
	require.NoError(t, err)
	m, err := NewManager(db, &config.Config{Workspaces: specs, ListTraversalLimit: 10000})
	require.NoError(t, err)
	return m, root
}

func kindOf(t *testing.T, err error) apperr.Kind {
	t.Helper()
	var ae *apperr.Error
	require.True(t, errors.As(err, &ae), "expected *apperr.Error, got %v", err)
	return ae.Kind
}

func TestContainment(t *testing.T) {
	m, root := newTestManager(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "ok.txt"), []byte("fine"), 0o644))

	tests := []struct {
		name string
		path string
	}{
		{"absolute path", "/etc/passwd"},
		{"parent escape", "../outside.txt"},
		{"nested parent escape", "a/../../outside.txt"},
		{"bare dotdot", ".."},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.ReadFile("ws", tt.path, EncodingUTF8)
			assert.Equal(t, apperr.KindInvalidPath, kindOf(t, err))
		})
	}

	t.Run("interior dotdot that stays inside is fine", func(t *testing.T) {
		fc, err := m.ReadFile("ws", "sub/../ok.txt", EncodingUTF8)
		require.NoError(t, err)
		assert.Equal(t, "fine", fc.Content)
	})
}

func TestSegmentBoundaryPrefix(t *testing.T) {
	// /tmp/xxx-evil must not pass a containment check for root /tmp/xxx.
	parent := t.TempDir()
	root := filepath.Join(parent, "root")
	evil := root + "-evil"
	require.NoError(t, os.Mkdir(root, 0o755))
	require.NoError(t, os.Mkdir(evil, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(evil, "secret.txt"), []byte("secret"), 0o644))

	db, err := store.OpenForTest()
	require.NoError(t, err)
	m, err := NewManager(db, &config.Config{Workspaces: []config.WorkspaceSpec{
		{ID: "ws", Root: root, FollowSymlinks: true},
	}})
	require.NoError(t, err)

	// A symlink pointing at the sibling directory resolves outside even
	// though the string shares the root prefix.
	require.NoError(t, os.Symlink(evil, filepath.Join(root, "link")))
	_, err = m.ReadFile("ws", "link/secret.txt", EncodingUTF8)
	assert.Equal(t, apperr.KindInvalidPath, kindOf(t, err))
}

func TestSymlinkPolicy(t *testing.T) {
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "target.txt"), []byte("outside"), 0o644))

	m, root := newTestManager(t)
	require.NoError(t, os.Symlink(filepath.Join(outside, "target.txt"), filepath.Join(root, "sneaky.txt")))

	_, err := m.ReadFile("ws", "sneaky.txt", EncodingUTF8)
	assert.Equal(t, apperr.KindInvalidPath, kindOf(t, err))
}

func TestReadWriteRoundTrip(t *testing.T) {
	m, root := newTestManager(t)

	require.NoError(t, m.WriteFile("ws", "dir/hello.txt", "hello world", EncodingUTF8))

	fc, err := m.ReadFile("ws", "dir/hello.txt", EncodingUTF8)
	require.NoError(t, err)
	assert.Equal(t, "hello world", fc.Content)
	assert.Equal(t, EncodingUTF8, fc.Encoding)

	fc, err = m.ReadFile("ws", "dir/hello.txt", EncodingBase64)
	require.NoError(t, err)
	decoded, err := base64.StdEncoding.DecodeString(fc.Content)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(decoded))

	// No temp file debris after the atomic rename.
	entries, err := os.ReadDir(filepath.Join(root, "dir"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteBase64(t *testing.T) {
	m, _ := newTestManager(t)
	payload := base64.StdEncoding.EncodeToString([]byte{0x00, 0x01, 0xff})
	require.NoError(t, m.WriteFile("ws", "blob.bin", payload, EncodingBase64))

	fc, err := m.ReadFile("ws", "blob.bin", EncodingBinary)
	require.NoError(t, err)
	assert.Equal(t, payload, fc.Content)

	err = m.WriteFile("ws", "bad.bin", "not base64 !!!", EncodingBase64)
	assert.Equal(t, apperr.KindInvalidArgument, kindOf(t, err))
}

func TestReadOnlyWorkspace(t *testing.T) {
	m, root := newTestManager(t, config.WorkspaceSpec{ID: "ro", ReadOnly: true})
	require.NoError(t, os.WriteFile(filepath.Join(root, "f.txt"), []byte("x"), 0o644))

	_, err := m.ReadFile("ro", "f.txt", EncodingUTF8)
	require.NoError(t, err)

	err = m.WriteFile("ro", "f.txt", "y", EncodingUTF8)
	assert.Equal(t, apperr.KindInvalidPath, kindOf(t, err))
}

func TestExtensionAndSizePolicy(t *testing.T) {
	m, _ := newTestManager(t, config.WorkspaceSpec{
		ID:          "ws",
		AllowExts:   []string{"txt", "md"},
		BlockExts:   []string{"md"},
		MaxFileSize: 10,
	})

	require.NoError(t, m.WriteFile("ws", "a.txt", "short", EncodingUTF8))

	err := m.WriteFile("ws", "a.md", "x", EncodingUTF8)
	assert.Equal(t, apperr.KindInvalidPath, kindOf(t, err), "block list wins over allow list")

	err = m.WriteFile("ws", "a.go", "x", EncodingUTF8)
	assert.Equal(t, apperr.KindInvalidPath, kindOf(t, err), "outside allow list")

	err = m.WriteFile("ws", "big.txt", "0123456789ab", EncodingUTF8)
	assert.Equal(t, apperr.KindInvalidPath, kindOf(t, err), "over size limit")
}

func TestListFiles(t *testing.T) {
	m, root := newTestManager(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("b"), 0o644))

	flat, err := m.ListFiles("ws", "", false, false)
	require.NoError(t, err)
	assert.Len(t, flat.Entries, 1)
	assert.False(t, flat.Truncated)

	deep, err := m.ListFiles("ws", "", true, true)
	require.NoError(t, err)
	paths := map[string]bool{}
	for _, e := range deep.Entries {
		paths[e.Path] = true
	}
	assert.True(t, paths["a.txt"])
	assert.True(t, paths["sub"])
	assert.True(t, paths["sub/b.txt"])

	_, err = m.ListFiles("ws", "a.txt", false, false)
	assert.Equal(t, apperr.KindInvalidPath, kindOf(t, err))

	_, err = m.ListFiles("ws", "missing", false, false)
	assert.Equal(t, apperr.KindNotFound, kindOf(t, err))
}

func TestListRespectsGlobs(t *testing.T) {
	m, root := newTestManager(t, config.WorkspaceSpec{
		ID:         "ws",
		AllowGlobs: []string{"*.txt", "sub/*.txt"},
		BlockGlobs: []string{"sub/hidden.txt"},
	})
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	for _, name := range []string{"a.txt", "b.secret", "sub/c.txt", "sub/hidden.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte("x"), 0o644))
	}

	deep, err := m.ListFiles("ws", "", true, true)
	require.NoError(t, err)
	paths := map[string]bool{}
	for _, e := range deep.Entries {
		paths[e.Path] = true
	}
	assert.True(t, paths["a.txt"])
	assert.True(t, paths["sub"], "directories stay visible to traversal")
	assert.True(t, paths["sub/c.txt"])
	assert.False(t, paths["b.secret"], "allow list filters the listing")
	assert.False(t, paths["sub/hidden.txt"], "block list filters the listing")

	// The listing hides exactly what a read would reject.
	_, err = m.ReadFile("ws", "b.secret", EncodingUTF8)
	assert.Equal(t, apperr.KindInvalidPath, kindOf(t, err))
}

func TestListTruncation(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name+".txt"), []byte("x"), 0o644))
	}
	db, err := store.OpenForTest()
	require.NoError(t, err)
	m, err := NewManager(db, &config.Config{
		Workspaces:         []config.WorkspaceSpec{{ID: "ws", Root: root}},
		ListTraversalLimit: 3,
	})
	require.NoError(t, err)

	res, err := m.ListFiles("ws", "", true, false)
	require.NoError(t, err)
	assert.Len(t, res.Entries, 3)
	assert.True(t, res.Truncated)
}

func TestPathExists(t *testing.T) {
	m, root := newTestManager(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "here.txt"), []byte("x"), 0o644))

	exists, err := m.PathExists("ws", "here.txt")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = m.PathExists("ws", "gone.txt")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = m.PathExists("ws", "../outside")
	assert.Equal(t, apperr.KindInvalidPath, kindOf(t, err))
}

func TestUnknownWorkspace(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.ReadFile("nope", "f.txt", EncodingUTF8)
	assert.Equal(t, apperr.KindNotFound, kindOf(t, err))
}

func TestWorkspaceRegistry(t *testing.T) {
	m, _ := newTestManager(t)
	extra := t.TempDir()

	info, err := m.Register(config.WorkspaceSpec{ID: "extra", Root: extra})
	require.NoError(t, err)
	assert.Equal(t, "extra", info.ID)

	_, err = m.Register(config.WorkspaceSpec{ID: "extra", Root: extra})
	assert.Equal(t, apperr.KindConflict, kindOf(t, err))

	list, err := m.ListWorkspaces()
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, m.Unregister("extra"))
	err = m.Unregister("extra")
	assert.Equal(t, apperr.KindNotFound, kindOf(t, err))
}

func TestClientWorkspaces(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.RegisterClient("laptop", "Dev laptop checkout")
	require.NoError(t, err)

	list, err := m.ListClientWorkspaces()
	require.NoError(t, err)
	require.Len(t, list, 1)

	// Client registrations never grant file access.
	_, err = m.ReadFile("laptop", "anything.txt", EncodingUTF8)
	assert.Equal(t, apperr.KindNotFound, kindOf(t, err))

	// Server listing does not include client entries.
	servers, err := m.ListWorkspaces()
	require.NoError(t, err)
	assert.Len(t, servers, 1)

	require.NoError(t, m.RemoveClient("laptop"))
	require.NoError(t, m.RemoveClient("laptop")) // idempotent
}

func TestMCPResources(t *testing.T) {
	m, root := newTestManager(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "doc.md"), []byte("# hi"), 0o644))

	resources, err := m.GetResources()
	require.NoError(t, err)
	require.Len(t, resources, 1)
	assert.Equal(t, "workspace://ws/doc.md", resources[0].URI)
	assert.Equal(t, "text/markdown", resources[0].MimeType)

	fc, err := m.ReadResource("workspace://ws/doc.md")
	require.NoError(t, err)
	assert.Equal(t, "# hi", fc.Content)

	_, err = m.ReadResource("file:///etc/passwd")
	assert.Equal(t, apperr.KindInvalidArgument, kindOf(t, err))
}
