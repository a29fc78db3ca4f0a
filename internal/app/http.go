package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dhruv-moradiya/story-chain-be-sub001/internal/archive"
	"github.com/dhruv-moradiya/story-chain-be-sub001/internal/auth"
	"github.com/dhruv-moradiya/story-chain-be-sub001/internal/roles"
	"github.com/dhruv-moradiya/story-chain-be-sub001/internal/store"
)

type HTTPServer struct {
	service    *Service
	auth       *auth.Auth
	corsOrigin string
	devMode    bool
	logger     zerolog.Logger
}

func NewHTTPServer(service *Service, authSvc *auth.Auth, corsOrigin string, devMode bool, logger zerolog.Logger) *HTTPServer {
	return &HTTPServer{
		service:    service,
		auth:       authSvc,
		corsOrigin: corsOrigin,
		devMode:    devMode,
		logger:     logger,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.service.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	// Dev-only token mint so the API is exercisable without an identity
	// provider in front of it.
	if r.Method == http.MethodPost && r.URL.Path == "/api/dev/token" {
		if !s.devMode {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "not found", nil)
			return
		}
		var body struct {
			UserID   string `json:"userId"`
			Username string `json:"username"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.UserID == "" {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", "userId is required", nil)
			return
		}
		token, err := s.auth.GenerateToken(body.UserID, body.Username)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL", "token generation failed", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"token": token})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "stories" {
		s.handleStories(w, r, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "not found", nil)
}

func (s *HTTPServer) handleStories(w http.ResponseWriter, r *http.Request, parts []string) {
	claims := s.auth.ExtractClaims(r)
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
		return
	}
	userID := claims.UserID
	ctx := r.Context()

	// POST /api/stories
	if len(parts) == 0 {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
			return
		}
		var body struct {
			Title            string `json:"title"`
			BranchingAllowed bool   `json:"branchingAllowed"`
			ApprovalRequired bool   `json:"approvalRequired"`
			VotingAllowed    bool   `json:"votingAllowed"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		story, err := s.service.CreateStory(ctx, userID, body.Title, body.BranchingAllowed, body.ApprovalRequired, body.VotingAllowed)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, storyJSON(story))
		return
	}

	storySlug := parts[0]
	rest := parts[1:]

	// GET /api/stories/{slug}
	if len(rest) == 0 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
			return
		}
		story, err := s.service.GetStory(ctx, storySlug)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, storyJSON(story))
		return
	}

	switch rest[0] {
	case "chapters":
		s.handleChapters(w, r, userID, storySlug, rest[1:])
	case "pulls":
		s.handlePulls(w, r, userID, storySlug, rest[1:])
	case "collaborators":
		s.handleCollaborators(w, r, userID, storySlug, rest[1:])
	case "permissions":
		if r.Method == http.MethodGet && len(rest) == 2 {
			allowed, err := s.service.CheckPermission(ctx, userID, storySlug, roles.Capability(rest[1]))
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"capability": rest[1], "allowed": allowed})
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "not found", nil)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "not found", nil)
	}
}

func (s *HTTPServer) handleChapters(w http.ResponseWriter, r *http.Request, userID, storySlug string, parts []string) {
	ctx := r.Context()

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodPost:
			var body struct {
				ParentSlug string `json:"parentSlug"`
				Title      string `json:"title"`
				Content    string `json:"content"`
				Status     string `json:"status"`
				IsEnding   bool   `json:"isEnding"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			input := ChapterInput{Title: body.Title, Content: body.Content, Status: body.Status, IsEnding: body.IsEnding}
			var chapter store.Chapter
			var err error
			if body.ParentSlug == "" {
				chapter, err = s.service.CreateRootChapter(ctx, userID, storySlug, input)
			} else {
				chapter, err = s.service.CreateChildChapter(ctx, userID, storySlug, body.ParentSlug, input)
			}
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, chapterJSON(chapter))
		case http.MethodGet:
			if author := r.URL.Query().Get("author"); author != "" {
				chapters, err := s.service.ListChaptersByAuthor(ctx, storySlug, author)
				if err != nil {
					s.fail(w, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"chapters": chaptersJSON(chapters)})
				return
			}
			chapters, err := s.service.ListSiblings(ctx, storySlug, nil)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"chapters": chaptersJSON(chapters)})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
		}
		return
	}

	// GET /api/stories/{slug}/chapters/root
	if parts[0] == "root" && len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
			return
		}
		chapter, err := s.service.GetRootChapter(ctx, storySlug)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, chapterJSON(chapter))
		return
	}

	chapterSlug := parts[0]
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		chapter, err := s.service.GetChapter(ctx, storySlug, chapterSlug)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, chapterJSON(chapter))

	case len(parts) == 2 && parts[1] == "branches" && r.Method == http.MethodGet:
		chapters, err := s.service.ListSiblings(ctx, storySlug, &chapterSlug)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"chapters": chaptersJSON(chapters)})

	case len(parts) == 2 && parts[1] == "reads" && r.Method == http.MethodPost:
		if err := s.service.RecordChapterRead(ctx, storySlug, chapterSlug); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(parts) == 2 && parts[1] == "versions" && r.Method == http.MethodGet:
		versions, err := s.service.ChapterVersions(ctx, storySlug, chapterSlug)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"versions": versionsJSON(versions)})

	case len(parts) == 2 && parts[1] == "history" && r.Method == http.MethodGet:
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				limit = parsed
			}
		}
		revisions, err := s.service.ChapterHistory(ctx, storySlug, chapterSlug, limit)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"revisions": revisionsJSON(revisions)})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "not found", nil)
	}
}

func (s *HTTPServer) handlePulls(w http.ResponseWriter, r *http.Request, userID, storySlug string, parts []string) {
	ctx := r.Context()

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodPost:
			var body struct {
				Type              string   `json:"type"`
				ChapterSlug       *string  `json:"chapterSlug"`
				ParentChapterSlug *string  `json:"parentChapterSlug"`
				Title             string   `json:"title"`
				Proposed          string   `json:"proposed"`
				Labels            []string `json:"labels"`
				AutoApprove       struct {
					Enabled    bool `json:"enabled"`
					Threshold  int  `json:"threshold"`
					WindowDays int  `json:"windowDays"`
				} `json:"autoApprove"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			pr, err := s.service.CreatePullRequest(ctx, userID, storySlug, CreatePRInput{
				Type:              store.PRType(body.Type),
				ChapterSlug:       body.ChapterSlug,
				ParentChapterSlug: body.ParentChapterSlug,
				Title:             body.Title,
				Proposed:          body.Proposed,
				Labels:            body.Labels,
				AutoApprove: AutoApprove{
					Enabled:    body.AutoApprove.Enabled,
					Threshold:  body.AutoApprove.Threshold,
					WindowDays: body.AutoApprove.WindowDays,
				},
			})
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, prJSON(pr))
		case http.MethodGet:
			status := store.PRStatus(r.URL.Query().Get("status"))
			prs, err := s.service.ListPullRequests(ctx, storySlug, status)
			if err != nil {
				s.fail(w, err)
				return
			}
			items := make([]map[string]any, 0, len(prs))
			for _, pr := range prs {
				items = append(items, prJSON(pr))
			}
			writeJSON(w, http.StatusOK, map[string]any{"pullRequests": items})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
		}
		return
	}

	prID := parts[0]
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		pr, err := s.service.GetPullRequest(ctx, storySlug, prID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, prJSON(pr))

	case len(parts) == 2 && parts[1] == "votes" && r.Method == http.MethodPost:
		var body struct {
			Vote int `json:"vote"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		pr, err := s.service.CastVote(ctx, userID, storySlug, prID, body.Vote)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, prJSON(pr))

	case len(parts) == 2 && parts[1] == "approve" && r.Method == http.MethodPost:
		pr, err := s.service.ApprovePullRequest(ctx, userID, storySlug, prID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, prJSON(pr))

	case len(parts) == 2 && parts[1] == "merge" && r.Method == http.MethodPost:
		pr, err := s.service.MergePullRequest(ctx, userID, storySlug, prID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, prJSON(pr))

	case len(parts) == 2 && (parts[1] == "close" || parts[1] == "reject") && r.Method == http.MethodPost:
		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		var pr store.PullRequest
		var err error
		if parts[1] == "close" {
			pr, err = s.service.ClosePullRequest(ctx, userID, storySlug, prID, body.Reason)
		} else {
			pr, err = s.service.RejectPullRequest(ctx, userID, storySlug, prID, body.Reason)
		}
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, prJSON(pr))

	case len(parts) == 2 && parts[1] == "timeline" && r.Method == http.MethodGet:
		entries, err := s.service.PRTimeline(ctx, storySlug, prID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"timeline": timelineJSON(entries)})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "not found", nil)
	}
}

func (s *HTTPServer) handleCollaborators(w http.ResponseWriter, r *http.Request, userID, storySlug string, parts []string) {
	ctx := r.Context()

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodPost:
			var body struct {
				UserID string `json:"userId"`
				Role   string `json:"role"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			collaborator, err := s.service.InviteCollaborator(ctx, userID, storySlug, body.UserID, roles.Role(body.Role))
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, collaboratorJSON(collaborator))
		case http.MethodGet:
			collaborators, err := s.service.ListCollaborators(ctx, userID, storySlug)
			if err != nil {
				s.fail(w, err)
				return
			}
			items := make([]map[string]any, 0, len(collaborators))
			for _, c := range collaborators {
				items = append(items, collaboratorJSON(c))
			}
			writeJSON(w, http.StatusOK, map[string]any{"collaborators": items})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
		}
		return
	}

	// PUT /api/stories/{slug}/collaborators/me
	if len(parts) == 1 && parts[0] == "me" && r.Method == http.MethodPut {
		var body struct {
			Status string `json:"status"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		collaborator, err := s.service.UpdateCollaboratorStatus(ctx, userID, storySlug, body.Status)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, collaboratorJSON(collaborator))
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "not found", nil)
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
		if !s.devMode {
			details = nil
		}
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Dur("duration", time.Since(started)).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	inner := map[string]any{
		"code":    code,
		"message": message,
	}
	if details != nil {
		inner["details"] = details
	}
	writeJSON(w, status, map[string]any{"error": inner})
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "not found", nil
	}
	return http.StatusInternalServerError, "INTERNAL", "internal error", nil
}

func storyJSON(story store.Story) map[string]any {
	return map[string]any{
		"slug":      story.Slug,
		"title":     story.Title,
		"creatorId": story.CreatorID,
		"status":    story.Status,
		"settings": map[string]any{
			"branchingAllowed": story.BranchingAllowed,
			"approvalRequired": story.ApprovalRequired,
			"votingAllowed":    story.VotingAllowed,
		},
	}
}

func chapterJSON(chapter store.Chapter) map[string]any {
	return map[string]any{
		"slug":          chapter.Slug,
		"storySlug":     chapter.StorySlug,
		"parentSlug":    chapter.ParentSlug,
		"ancestorSlugs": chapter.Ancestors,
		"depth":         chapter.Depth,
		"branchIndex":   chapter.BranchIndex,
		"authorId":      chapter.AuthorID,
		"title":         chapter.Title,
		"content":       chapter.Content,
		"status":        chapter.Status,
		"isEnding":      chapter.IsEnding,
		"version":       chapter.Version,
		"votes": map[string]any{
			"upvotes":   chapter.Upvotes,
			"downvotes": chapter.Downvotes,
			"score":     chapter.Score,
		},
		"pullRequest": map[string]any{
			"fromPR": chapter.FromPR,
			"status": chapter.PRStatus,
		},
		"stats": map[string]any{
			"reads":         chapter.Reads,
			"comments":      chapter.Comments,
			"childBranches": chapter.ChildBranches,
		},
	}
}

func chaptersJSON(chapters []store.Chapter) []map[string]any {
	items := make([]map[string]any, 0, len(chapters))
	for _, chapter := range chapters {
		items = append(items, chapterJSON(chapter))
	}
	return items
}

func prJSON(pr store.PullRequest) map[string]any {
	return map[string]any{
		"id":                pr.ID,
		"storySlug":         pr.StorySlug,
		"chapterSlug":       pr.ChapterSlug,
		"parentChapterSlug": pr.ParentChapterSlug,
		"authorId":          pr.AuthorID,
		"type":              string(pr.Type),
		"title":             pr.Title,
		"status":            string(pr.Status),
		"changes": map[string]any{
			"original":       pr.Original,
			"proposed":       pr.Proposed,
			"diff":           pr.DiffText,
			"lineCount":      pr.LineCount,
			"additionsCount": pr.Additions,
			"deletionsCount": pr.Deletions,
			"unchangedCount": pr.Unchanged,
		},
		"votes": map[string]any{
			"upvotes":   pr.Upvotes,
			"downvotes": pr.Downvotes,
			"score":     pr.Score,
		},
		"autoApprove": map[string]any{
			"enabled":    pr.AutoApproveEnabled,
			"threshold":  pr.AutoApproveThreshold,
			"windowDays": pr.AutoApproveWindowDays,
		},
		"labels":      pr.Labels,
		"mergedBy":    pr.MergedBy,
		"mergedAt":    pr.MergedAt,
		"closedBy":    pr.ClosedBy,
		"closedAt":    pr.ClosedAt,
		"closeReason": pr.CloseReason,
		"createdAt":   pr.CreatedAt,
	}
}

func collaboratorJSON(c store.Collaborator) map[string]any {
	return map[string]any{
		"storySlug":  c.StorySlug,
		"userId":     c.UserID,
		"role":       c.Role,
		"status":     c.Status,
		"invitedBy":  c.InvitedBy,
		"invitedAt":  c.InvitedAt,
		"acceptedAt": c.AcceptedAt,
	}
}

func versionsJSON(versions []store.ChapterVersion) []map[string]any {
	items := make([]map[string]any, 0, len(versions))
	for _, v := range versions {
		items = append(items, map[string]any{
			"version":    v.Version,
			"title":      v.Title,
			"content":    v.Content,
			"replacedBy": v.ReplacedBy,
			"prId":       v.PRID,
			"createdAt":  v.CreatedAt,
		})
	}
	return items
}

func revisionsJSON(revisions []archive.Revision) []map[string]any {
	items := make([]map[string]any, 0, len(revisions))
	for _, rev := range revisions {
		items = append(items, map[string]any{
			"hash":      rev.Hash,
			"message":   rev.Message,
			"author":    rev.Author,
			"createdAt": rev.CreatedAt,
		})
	}
	return items
}

func timelineJSON(entries []store.TimelineEntry) []map[string]any {
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, map[string]any{
			"id":        entry.ID,
			"action":    entry.Action,
			"actorId":   entry.ActorID,
			"note":      entry.Note,
			"createdAt": entry.CreatedAt,
		})
	}
	return items
}
