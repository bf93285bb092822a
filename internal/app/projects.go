package app

import (
	"context"
	"log"
	"strings"

	"crewspace/api/internal/blob"
	"crewspace/api/internal/cascade"
	"crewspace/api/internal/feed"
	"crewspace/api/internal/rbac"
	"crewspace/api/internal/reconcile"
	"crewspace/api/internal/search"
	"crewspace/api/internal/store"
	"crewspace/api/internal/util"
)

// SetVisibility switches the workspace between private and shared. A shared
// workspace that already has other members cannot go back to private.
func (s *Session) SetVisibility(ctx context.Context, visibility string) error {
	visibility = strings.ToLower(strings.TrimSpace(visibility))
	if visibility != "private" && visibility != "shared" {
		return validationFailed("visibility must be private or shared", map[string]any{"visibility": visibility})
	}
	if err := s.authorize(rbac.ActionEditVisibility, "", nil, false); err != nil {
		return err
	}
	current, ok := s.view.Workspace(s.workspaceID)
	if !ok {
		return notFound("workspace")
	}
	if current.Visibility == visibility {
		return nil
	}
	if visibility == "private" && len(s.view.Members(s.workspaceID)) > 1 {
		return validationFailed("a shared workspace with other members cannot become private", nil)
	}

	next := current
	next.Visibility = visibility
	next.UpdatedAt = s.svc.now()
	h, err := s.apply(ctx, reconcile.Mutation{Op: feed.OpUpdate, Record: next})
	if err != nil {
		return err
	}
	if err := s.wait(ctx, h); err != nil {
		return err
	}
	s.svc.audit(ctx, s.workspaceID, nil, s.actor.ID, "visibility_changed", map[string]any{
		"from": current.Visibility,
		"to":   visibility,
	})
	return nil
}

func (s *Session) ArchiveProject(ctx context.Context, projectID string) (*reconcile.Handle, error) {
	return s.setArchived(ctx, projectID, true)
}

func (s *Session) RestoreProject(ctx context.Context, projectID string) (*reconcile.Handle, error) {
	return s.setArchived(ctx, projectID, false)
}

func (s *Session) setArchived(ctx context.Context, projectID string, archived bool) (*reconcile.Handle, error) {
	project, ok := s.view.Project(projectID)
	if !ok || project.WorkspaceID != s.workspaceID {
		return nil, notFound("project")
	}
	project.Archived = archived
	return s.IssueMutation(ctx, reconcile.Mutation{Op: feed.OpUpdate, Record: project})
}

// UploadFile stores data in the blob store and records it on the project.
// The object is removed again if the row cannot be saved.
func (s *Session) UploadFile(ctx context.Context, projectID, name, contentType string, data []byte) (store.File, error) {
	if s.svc.blobs == nil {
		return store.File{}, unavailable("file storage")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return store.File{}, validationFailed("file name is required", nil)
	}
	if err := s.authorize(rbac.ActionWriteContent, projectID, nil, false); err != nil {
		return store.File{}, err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	id := util.NewID("file")
	objectPath := blob.ObjectPath(projectID, id, name)
	if _, err := s.svc.blobs.Upload(ctx, objectPath, data, contentType); err != nil {
		return store.File{}, err
	}
	file := store.File{
		ID:          id,
		ProjectID:   projectID,
		Name:        name,
		Path:        objectPath,
		Size:        int64(len(data)),
		ContentType: contentType,
		UploadedBy:  s.actor.ID,
		CreatedAt:   s.svc.now(),
	}
	h, err := s.apply(ctx, reconcile.Mutation{Op: feed.OpInsert, Record: file})
	if err == nil {
		err = s.wait(ctx, h)
	}
	if err != nil {
		if removeErr := s.svc.blobs.Remove(context.WithoutCancel(ctx), objectPath); removeErr != nil {
			log.Printf("app: remove orphaned upload %s: %v", objectPath, removeErr)
		}
		return store.File{}, err
	}
	return file, nil
}

func (s *Session) DownloadFile(ctx context.Context, fileID string) (store.File, []byte, error) {
	if s.svc.blobs == nil {
		return store.File{}, nil, unavailable("file storage")
	}
	row, ok := s.view.Get(store.TableFiles, fileID)
	if !ok {
		return store.File{}, nil, notFound("file")
	}
	file := row.(store.File)
	if err := s.authorize(rbac.ActionView, file.ProjectID, nil, false); err != nil {
		return store.File{}, nil, err
	}
	data, err := s.svc.blobs.Download(ctx, file.Path)
	if err != nil {
		return store.File{}, nil, err
	}
	return file, data, nil
}

// Search looks up projects, tasks and notes of this workspace only.
func (s *Session) Search(ctx context.Context, text string, filter search.ResultType, limit, offset int) (search.Response, error) {
	if s.svc.search == nil {
		return search.Response{}, unavailable("search")
	}
	if err := s.authorize(rbac.ActionView, "", nil, false); err != nil {
		return search.Response{}, err
	}
	if err := ctx.Err(); err != nil {
		return search.Response{}, err
	}
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.svc.search.Search(search.Query{
		Text:        strings.TrimSpace(text),
		FilterType:  filter,
		WorkspaceID: s.workspaceID,
		Limit:       limit,
		Offset:      offset,
	}), nil
}

// PreviewDeleteProject reports what DeleteProject would remove and whether
// the confirmation phrase is needed.
func (s *Session) PreviewDeleteProject(ctx context.Context, projectID string) (cascade.Closure, bool, error) {
	if err := s.authorize(rbac.ActionDeleteProject, projectID, nil, false); err != nil {
		return cascade.Closure{}, false, err
	}
	closure, err := s.svc.cascade.Preview(ctx, cascade.Root{Kind: cascade.KindProject, ID: projectID})
	if err != nil {
		return cascade.Closure{}, false, translate(err)
	}
	return closure, closure.NeedsConfirmation(s.actor.ID), nil
}

// DeleteProject cascades the project's content away and then drops it from
// this session's cache without waiting for the feed.
func (s *Session) DeleteProject(ctx context.Context, projectID, confirmation string) (cascade.Result, error) {
	if err := s.authorize(rbac.ActionDeleteProject, projectID, nil, false); err != nil {
		return cascade.Result{}, err
	}
	project, _ := s.view.Project(projectID)
	result, err := s.svc.deleteProject(ctx, s.actor, projectID, confirmation)
	if err != nil {
		return result, err
	}

	snap := emptyProjectScopes(projectID)
	if err := s.recon.Resync(snap); err != nil {
		log.Printf("app: session %s clear project %s: %v", s.workspaceID, projectID, err)
	}
	gone := []feed.Event{{Op: feed.OpDelete, Table: store.TableProjects, Record: project}}
	for _, invitation := range s.view.Invitations(s.workspaceID) {
		if invitation.ProjectID != nil && *invitation.ProjectID == projectID {
			gone = append(gone, feed.Event{Op: feed.OpDelete, Table: store.TableInvitations, Record: invitation})
		}
	}
	for _, event := range gone {
		if err := s.recon.ApplyRemoteEvent(event); err != nil {
			log.Printf("app: session %s drop %s %s: %v", s.workspaceID, event.Table, event.ID(), err)
		}
	}
	return result, nil
}

// DeleteWorkspace removes the whole workspace. The session is useless
// afterwards and should be closed.
func (s *Session) DeleteWorkspace(ctx context.Context, confirmation string) (cascade.Result, error) {
	if err := s.authorize(rbac.ActionDeleteWorkspace, "", nil, false); err != nil {
		return cascade.Result{}, err
	}
	result, err := s.svc.cascade.Delete(ctx, cascade.Request{
		Root:         cascade.Root{Kind: cascade.KindWorkspace, ID: s.workspaceID},
		ActorID:      s.actor.ID,
		Confirmation: confirmation,
	})
	return result, translate(err)
}
