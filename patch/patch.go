// Package patch implements the two-phase safe-patch engine the PR review
// cycle delegates to: validate and prepare every proposed edit before
// touching the source-control host, then commit sequentially.
package patch

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/rajawajahat/opsrunbook-copilot/config"
	"github.com/rajawajahat/opsrunbook-copilot/contracts"
	"github.com/rajawajahat/opsrunbook-copilot/forge"
)

// FileHost is the narrow capability the patch engine depends on — satisfied
// by *forge.Client in production and a fake in tests.
type FileHost interface {
	GetFile(repoFullName, path, ref string) (*forge.FileContent, error)
	PutFile(repoFullName, path string, in forge.PutFileInput) (*forge.PutFileResult, error)
}

// Engine applies a bounded set of file edits to one branch under the
// blocklist/allowlist/size/count limits in cfg.
type Engine struct {
	host FileHost
	cfg  config.PatchConfig
}

// NewEngine builds an Engine.
func NewEngine(host FileHost, cfg config.PatchConfig) *Engine {
	return &Engine{host: host, cfg: cfg}
}

// preparedFile is the outcome of phase 1 for one edit: content ready to PUT.
type preparedFile struct {
	path    string
	content string
	sha     string // empty for a new file
}

// Apply runs phase 1 (validate + fetch + compute) over every edit, then
// phase 2 (sequential commit) only if every edit in phase 1 succeeded.
func (e *Engine) Apply(ctx context.Context, repoFullName, branch, commitMessage string, edits []contracts.ProposedEdit) contracts.PatchResult {
	if len(edits) > e.cfg.MaxFiles {
		return contracts.PatchResult{Status: contracts.PatchFailed, Reason: fmt.Sprintf("edit count %d exceeds max_files %d", len(edits), e.cfg.MaxFiles)}
	}

	prepared := make([]preparedFile, 0, len(edits))
	for _, edit := range edits {
		pf, err := e.prepare(repoFullName, branch, edit)
		if err != nil {
			return contracts.PatchResult{Status: contracts.PatchFailed, Reason: err.Error()}
		}
		prepared = append(prepared, pf)
	}

	var updated []string
	var commitSHA string
	for _, pf := range prepared {
		result, err := e.host.PutFile(repoFullName, pf.path, forge.PutFileInput{
			Message: commitMessage,
			Content: base64.StdEncoding.EncodeToString([]byte(pf.content)),
			Branch:  branch,
			SHA:     pf.sha,
		})
		if err != nil {
			return contracts.PatchResult{
				Status:       contracts.PatchFailed,
				Reason:       fmt.Sprintf("commit %s: %s", pf.path, err.Error()),
				CommitSHA:    commitSHA,
				UpdatedFiles: updated,
			}
		}
		updated = append(updated, pf.path)
		commitSHA = result.Commit.SHA
	}

	return contracts.PatchResult{Status: contracts.PatchSuccess, CommitSHA: commitSHA, UpdatedFiles: updated}
}

func (e *Engine) prepare(repoFullName, branch string, edit contracts.ProposedEdit) (preparedFile, error) {
	if edit.FilePath == "" {
		return preparedFile{}, fmt.Errorf("empty file_path")
	}
	if e.isBlocked(edit.FilePath) {
		return preparedFile{}, fmt.Errorf("path %q matches a blocked pattern", edit.FilePath)
	}
	if !e.isAllowed(edit.FilePath) {
		return preparedFile{}, fmt.Errorf("path %q is not under any allow-listed prefix", edit.FilePath)
	}

	switch edit.ChangeType {
	case contracts.ChangeCreate:
		content, err := e.computeContent("", edit)
		if err != nil {
			return preparedFile{}, fmt.Errorf("%s: %w", edit.FilePath, err)
		}
		if len(content) > e.cfg.MaxFileBytes {
			return preparedFile{}, fmt.Errorf("%s: new content %d bytes exceeds max_bytes %d", edit.FilePath, len(content), e.cfg.MaxFileBytes)
		}
		return preparedFile{path: edit.FilePath, content: content}, nil

	case contracts.ChangeEdit:
		current, err := e.host.GetFile(repoFullName, edit.FilePath, branch)
		if err != nil {
			return preparedFile{}, fmt.Errorf("%s: fetch current file: %w", edit.FilePath, err)
		}
		raw, err := base64.StdEncoding.DecodeString(current.Content)
		if err != nil {
			return preparedFile{}, fmt.Errorf("%s: decode current file: %w", edit.FilePath, err)
		}
		if len(raw) > e.cfg.MaxFileBytes {
			return preparedFile{}, fmt.Errorf("%s: current file %d bytes exceeds max_bytes %d", edit.FilePath, len(raw), e.cfg.MaxFileBytes)
		}
		content, err := e.computeContent(string(raw), edit)
		if err != nil {
			return preparedFile{}, fmt.Errorf("%s: %w", edit.FilePath, err)
		}
		if len(content) > e.cfg.MaxFileBytes {
			return preparedFile{}, fmt.Errorf("%s: resulting content %d bytes exceeds max_bytes %d", edit.FilePath, len(content), e.cfg.MaxFileBytes)
		}
		return preparedFile{path: edit.FilePath, content: content, sha: current.SHA}, nil

	default:
		return preparedFile{}, fmt.Errorf("%s: unknown change_type %q", edit.FilePath, edit.ChangeType)
	}
}

// computeContent runs the DSL: a unified diff patch takes priority over a
// replace instruction, and for a create with neither, the instructions
// string itself is the new file content.
func (e *Engine) computeContent(current string, edit contracts.ProposedEdit) (string, error) {
	if edit.Patch != "" {
		return applyUnifiedDiff(current, edit.Patch)
	}
	if edit.ChangeType == contracts.ChangeCreate && edit.Instructions != "" {
		return edit.Instructions, nil
	}
	if edit.Instructions != "" {
		return applyReplaceInstruction(current, edit.Instructions)
	}
	return "", fmt.Errorf("no patch or instructions supplied")
}

func (e *Engine) isBlocked(path string) bool {
	for _, pattern := range e.cfg.BlockedPathPatterns {
		if strings.Contains(path, pattern) {
			return true
		}
	}
	return false
}

func (e *Engine) isAllowed(path string) bool {
	if len(e.cfg.AllowedPathPrefixes) == 0 {
		return true
	}
	for _, prefix := range e.cfg.AllowedPathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
