// Package archive retains every published revision of chapter content in a
// per-story git repository. Merged edits replace content in the database;
// the archive is where superseded revisions stay readable.
package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

type Revision struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// CommitChapter records a chapter revision on the story's archive, creating
// the repository on first use. Safe for concurrent callers; writes to the
// same story are serialized.
func (s *Service) CommitChapter(storySlug, chapterSlug, content, author, message string) (Revision, error) {
	lock := s.storyLock(storySlug)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.ensureRepo(storySlug)
	if err != nil {
		return Revision{}, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return Revision{}, fmt.Errorf("open worktree: %w", err)
	}

	repoRoot := worktree.Filesystem.Root()
	if err := os.MkdirAll(filepath.Join(repoRoot, "chapters"), 0o755); err != nil {
		return Revision{}, fmt.Errorf("create chapters dir: %w", err)
	}
	relPath := filepath.Join("chapters", chapterSlug+".md")
	if err := os.WriteFile(filepath.Join(repoRoot, relPath), []byte(content), 0o644); err != nil {
		return Revision{}, fmt.Errorf("write chapter file: %w", err)
	}
	if _, err := worktree.Add(relPath); err != nil {
		return Revision{}, fmt.Errorf("git add chapter: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.storychain.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return Revision{}, fmt.Errorf("commit chapter: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Revision{}, fmt.Errorf("read commit object: %w", err)
	}
	return toRevision(commitObj), nil
}

// ChapterHistory lists revisions that touched one chapter, newest first.
func (s *Service) ChapterHistory(storySlug, chapterSlug string, limit int) ([]Revision, error) {
	lock := s.storyLock(storySlug)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(storySlug))
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return []Revision{}, nil
		}
		return nil, fmt.Errorf("open archive repo: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	relPath := filepath.Join("chapters", chapterSlug+".md")
	iter, err := repo.Log(&git.LogOptions{
		From:     head.Hash(),
		FileName: &relPath,
	})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Revision, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toRevision(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// ChapterAt reads a chapter's content as of a given revision.
func (s *Service) ChapterAt(storySlug, chapterSlug, hash string) (string, error) {
	lock := s.storyLock(storySlug)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(storySlug))
	if err != nil {
		return "", fmt.Errorf("open archive repo: %w", err)
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return "", fmt.Errorf("resolve revision %s: %w", hash, err)
	}
	commitObj, err := repo.CommitObject(*resolved)
	if err != nil {
		return "", fmt.Errorf("read commit %s: %w", hash, err)
	}
	file, err := commitObj.File(filepath.Join("chapters", chapterSlug+".md"))
	if err != nil {
		return "", fmt.Errorf("load chapter file from commit: %w", err)
	}
	contents, err := file.Contents()
	if err != nil {
		return "", fmt.Errorf("read chapter contents: %w", err)
	}
	return contents, nil
}

func (s *Service) ensureRepo(storySlug string) (*git.Repository, error) {
	path := s.repoPath(storySlug)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open archive repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init archive repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(storySlug string) string {
	return filepath.Join(s.baseDir, storySlug)
}

func (s *Service) storyLock(storySlug string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[storySlug]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[storySlug] = lock
	return lock
}

func toRevision(commitObj *object.Commit) Revision {
	return Revision{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
