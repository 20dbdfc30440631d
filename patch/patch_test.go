package patch

import (
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rajawajahat/opsrunbook-copilot/config"
	"github.com/rajawajahat/opsrunbook-copilot/contracts"
	"github.com/rajawajahat/opsrunbook-copilot/forge"
)

type fakeFileHost struct {
	files     map[string]string // path -> raw content
	shas      map[string]string
	failAfter int // PutFile fails starting from this call index (0 = never)
	puts      int
}

func newFakeFileHost() *fakeFileHost {
	return &fakeFileHost{files: map[string]string{}, shas: map[string]string{}}
}

func (f *fakeFileHost) GetFile(repoFullName, path, ref string) (*forge.FileContent, error) {
	content, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("404: %s not found", path)
	}
	return &forge.FileContent{Path: path, SHA: f.shas[path], Content: base64.StdEncoding.EncodeToString([]byte(content))}, nil
}

func (f *fakeFileHost) PutFile(repoFullName, path string, in forge.PutFileInput) (*forge.PutFileResult, error) {
	f.puts++
	if f.failAfter > 0 && f.puts >= f.failAfter {
		return nil, fmt.Errorf("commit failed")
	}
	raw, err := base64.StdEncoding.DecodeString(in.Content)
	if err != nil {
		return nil, err
	}
	f.files[path] = string(raw)
	f.shas[path] = fmt.Sprintf("sha-%d", f.puts)
	result := &forge.PutFileResult{}
	result.Commit.SHA = fmt.Sprintf("commit-%d", f.puts)
	return result, nil
}

func testConfig() config.PatchConfig {
	return config.PatchConfig{
		AllowedPathPrefixes: []string{"src/"},
		BlockedPathPatterns: []string{".github/workflows/"},
		MaxFileBytes:        1024,
		MaxFiles:            5,
	}
}

func TestEngine_Apply_RejectsBlockedPath(t *testing.T) {
	host := newFakeFileHost()
	e := NewEngine(host, testConfig())

	result := e.Apply(nil, "acme/widgets", "opsrunbook/TICKET-1", "fix", []contracts.ProposedEdit{
		{FilePath: ".github/workflows/ci.yml", ChangeType: contracts.ChangeCreate, Instructions: "x"},
	})
	require.Equal(t, contracts.PatchFailed, result.Status)
	require.Empty(t, result.UpdatedFiles)
	require.Equal(t, 0, host.puts)
}

func TestEngine_Apply_RejectsPathOutsideAllowlist(t *testing.T) {
	host := newFakeFileHost()
	e := NewEngine(host, testConfig())

	result := e.Apply(nil, "acme/widgets", "branch", "fix", []contracts.ProposedEdit{
		{FilePath: "docs/readme.md", ChangeType: contracts.ChangeCreate, Instructions: "x"},
	})
	require.Equal(t, contracts.PatchFailed, result.Status)
}

func TestEngine_Apply_RejectsTooManyFiles(t *testing.T) {
	host := newFakeFileHost()
	e := NewEngine(host, testConfig())

	var edits []contracts.ProposedEdit
	for i := 0; i < 6; i++ {
		edits = append(edits, contracts.ProposedEdit{FilePath: fmt.Sprintf("src/f%d.go", i), ChangeType: contracts.ChangeCreate, Instructions: "x"})
	}
	result := e.Apply(nil, "acme/widgets", "branch", "fix", edits)
	require.Equal(t, contracts.PatchFailed, result.Status)
	require.Equal(t, 0, host.puts)
}

func TestEngine_Apply_CreateNewFile(t *testing.T) {
	host := newFakeFileHost()
	e := NewEngine(host, testConfig())

	result := e.Apply(nil, "acme/widgets", "branch", "fix", []contracts.ProposedEdit{
		{FilePath: "src/new.go", ChangeType: contracts.ChangeCreate, Instructions: "package src\n"},
	})
	require.Equal(t, contracts.PatchSuccess, result.Status)
	require.Equal(t, []string{"src/new.go"}, result.UpdatedFiles)
	require.Equal(t, "package src\n", host.files["src/new.go"])
}

func TestEngine_Apply_EditWithReplaceInstruction(t *testing.T) {
	host := newFakeFileHost()
	host.files["src/main.go"] = "const x = 1\n"
	host.shas["src/main.go"] = "orig-sha"
	e := NewEngine(host, testConfig())

	result := e.Apply(nil, "acme/widgets", "branch", "fix typo", []contracts.ProposedEdit{
		{FilePath: "src/main.go", ChangeType: contracts.ChangeEdit, Instructions: `replace "x = 1" with "x = 2"`},
	})
	require.Equal(t, contracts.PatchSuccess, result.Status)
	require.Equal(t, "const x = 2\n", host.files["src/main.go"])
}

func TestEngine_Apply_EditWithUnifiedDiff(t *testing.T) {
	host := newFakeFileHost()
	host.files["src/main.go"] = "line1\nline2\nline3\n"
	host.shas["src/main.go"] = "orig-sha"
	e := NewEngine(host, testConfig())

	diff := "@@ -2,1 +2,1 @@\n-line2\n+LINE2\n"
	result := e.Apply(nil, "acme/widgets", "branch", "fix", []contracts.ProposedEdit{
		{FilePath: "src/main.go", ChangeType: contracts.ChangeEdit, Patch: diff},
	})
	require.Equal(t, contracts.PatchSuccess, result.Status)
	require.Equal(t, "line1\nLINE2\nline3\n", host.files["src/main.go"])
}

func TestEngine_Apply_DiffContextMismatchFailsWithoutCommitting(t *testing.T) {
	host := newFakeFileHost()
	host.files["src/main.go"] = "line1\nline2\nline3\n"
	e := NewEngine(host, testConfig())

	diff := "@@ -2,1 +2,1 @@\n-wrong line\n+LINE2\n"
	result := e.Apply(nil, "acme/widgets", "branch", "fix", []contracts.ProposedEdit{
		{FilePath: "src/main.go", ChangeType: contracts.ChangeEdit, Patch: diff},
	})
	require.Equal(t, contracts.PatchFailed, result.Status)
	require.Equal(t, 0, host.puts)
	require.Equal(t, "line1\nline2\nline3\n", host.files["src/main.go"])
}

func TestEngine_Apply_CurrentFileExceedsMaxBytesFails(t *testing.T) {
	host := newFakeFileHost()
	big := make([]byte, 2048)
	host.files["src/big.go"] = string(big)
	e := NewEngine(host, testConfig())

	result := e.Apply(nil, "acme/widgets", "branch", "fix", []contracts.ProposedEdit{
		{FilePath: "src/big.go", ChangeType: contracts.ChangeEdit, Instructions: `replace "a" with "b"`},
	})
	require.Equal(t, contracts.PatchFailed, result.Status)
}

func TestEngine_Apply_MidStreamCommitFailureReturnsPartialProgress(t *testing.T) {
	host := newFakeFileHost()
	host.failAfter = 2 // second PutFile call fails
	e := NewEngine(host, testConfig())

	result := e.Apply(nil, "acme/widgets", "branch", "fix", []contracts.ProposedEdit{
		{FilePath: "src/a.go", ChangeType: contracts.ChangeCreate, Instructions: "a"},
		{FilePath: "src/b.go", ChangeType: contracts.ChangeCreate, Instructions: "b"},
	})
	require.Equal(t, contracts.PatchFailed, result.Status)
	require.Equal(t, []string{"src/a.go"}, result.UpdatedFiles)
}

func TestApplyReplaceInstruction_TargetNotFoundFails(t *testing.T) {
	_, err := applyReplaceInstruction("const x = 1\n", `replace "y = 2" with "y = 3"`)
	require.Error(t, err)
}

func TestApplyUnifiedDiff_InsertOnlyHunk(t *testing.T) {
	out, err := applyUnifiedDiff("a\nb\n", "@@ -3,0 +3,1 @@\n+c\n")
	require.NoError(t, err)
	require.Equal(t, "a\nb\nc\n", out)
}
