package api

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/javi11/nzbstream/internal/coordinator"
	"github.com/javi11/nzbstream/internal/manifest"
	"github.com/javi11/nzbstream/internal/mount"
	"github.com/javi11/nzbstream/internal/streamcheck"
)

type mountResponse struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Status        string     `json:"status"`
	StatusDetail  string     `json:"status_detail,omitempty"`
	TotalSize     int64      `json:"total_size"`
	FileCount     int        `json:"file_count"`
	ExtractedPath string     `json:"extracted_path,omitempty"`
	ExtractedSize int64      `json:"extracted_size,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`

	Verdict string `json:"verdict,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) mountResponse(ctx context.Context, mt *mount.Mount) mountResponse {
	resp := mountResponse{
		ID:            mt.ID,
		Name:          mt.Name,
		Status:        string(mt.Status),
		StatusDetail:  mt.StatusDetail,
		ExtractedPath: mt.ExtractedPath,
		ExtractedSize: mt.ExtractedSize,
		CreatedAt:     mt.CreatedAt,
	}
	if !mt.ExpiresAt.IsZero() {
		t := mt.ExpiresAt
		resp.ExpiresAt = &t
	}
	if m, err := s.deps.Manifests.GetOrParse(mt.RawManifest); err == nil {
		resp.TotalSize = m.TotalSize
		resp.FileCount = len(m.Files)
	}
	return resp
}

// handleCreateMount registers a manifest as a new mount. The request body
// is the raw NZB document; an optional name query parameter overrides the
// display name.
func (s *Server) handleCreateMount(c *fiber.Ctx) error {
	raw := c.Body()
	if len(raw) == 0 {
		return RespondBadRequest(c, "Request body must be an NZB document", "")
	}

	m, err := s.deps.Manifests.GetOrParse(raw)
	if err != nil {
		if errors.Is(err, manifest.ErrInvalidManifest) {
			return RespondBadRequest(c, "Invalid NZB document", err.Error())
		}
		return RespondInternalError(c, "Failed to parse manifest", err.Error())
	}

	name := c.Query("name")
	if name == "" && len(m.Files) > 0 {
		name = m.Files[0].Name
	}

	mt := &mount.Mount{
		ID:          uuid.NewString(),
		Name:        name,
		ContentHash: m.ContentHash,
		RawManifest: append([]byte(nil), raw...),
		Status:      mount.StatusPending,
		Password:    c.Query("password"),
		CreatedAt:   time.Now().UTC(),
	}

	resp := mountResponse{}
	res, err := s.deps.Checker.Check(c.Context(), m)
	switch {
	case errors.Is(err, streamcheck.ErrNoPlayableContent):
		return RespondBadRequest(c, "Manifest has no playable content", err.Error())
	case err != nil:
		s.log.WarnContext(c.Context(), "Streamability check failed", "mount_id", mt.ID, "error", err)
		mt.Status = mount.StatusRequiresExtraction
		mt.StatusDetail = "streamability unknown: " + err.Error()
	case res.Streamable():
		resp.Verdict = string(res.Verdict)
		resp.Reason = res.Reason
	default:
		resp.Verdict = string(res.Verdict)
		resp.Reason = res.Reason
		mt.Status = mount.StatusRequiresExtraction
		mt.StatusDetail = res.Reason
	}

	if err := s.deps.Store.CreateMount(c.Context(), mt); err != nil {
		return RespondInternalError(c, "Failed to store mount", err.Error())
	}

	full := s.mountResponse(c.Context(), mt)
	full.Verdict = resp.Verdict
	full.Reason = resp.Reason
	return RespondCreated(c, full)
}

func (s *Server) handleListMounts(c *fiber.Ctx) error {
	mounts, err := s.deps.Store.ListMounts(c.Context())
	if err != nil {
		return RespondInternalError(c, "Failed to list mounts", err.Error())
	}
	out := make([]mountResponse, 0, len(mounts))
	for _, mt := range mounts {
		out = append(out, s.mountResponse(c.Context(), mt))
	}
	return RespondSuccess(c, out)
}

func (s *Server) handleGetMount(c *fiber.Ctx) error {
	mt, err := s.deps.Store.GetMount(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, mount.ErrNotFound) {
			return RespondNotFound(c, "Mount", "")
		}
		return RespondInternalError(c, "Failed to load mount", err.Error())
	}
	return RespondSuccess(c, s.mountResponse(c.Context(), mt))
}

func (s *Server) handleDeleteMount(c *fiber.Ctx) error {
	id := c.Params("id")
	s.deps.Coordinator.CancelExtraction(id)

	if err := s.deps.Cache.RemoveMountFiles(c.Context(), id); err != nil {
		s.log.WarnContext(c.Context(), "Failed to remove mount files", "mount_id", id, "error", err)
	}
	if err := s.deps.Store.DeleteMount(c.Context(), id); err != nil {
		if errors.Is(err, mount.ErrNotFound) {
			return RespondNotFound(c, "Mount", "")
		}
		return RespondInternalError(c, "Failed to delete mount", err.Error())
	}
	return RespondSuccess(c, fiber.Map{"id": id, "deleted": true})
}

type extractRequest struct {
	Password string `json:"password"`
}

// handleStartExtraction kicks off the download-and-extract pipeline in the
// background. Repeated calls while it runs join the same flight.
func (s *Server) handleStartExtraction(c *fiber.Ctx) error {
	id := c.Params("id")

	mt, err := s.deps.Store.GetMount(c.Context(), id)
	if err != nil {
		if errors.Is(err, mount.ErrNotFound) {
			return RespondNotFound(c, "Mount", "")
		}
		return RespondInternalError(c, "Failed to load mount", err.Error())
	}
	if mt.Status == mount.StatusReady && mt.ExtractedPath != "" {
		return RespondSuccess(c, fiber.Map{"id": id, "status": string(mt.Status)})
	}

	var req extractRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return RespondBadRequest(c, "Invalid request body", err.Error())
		}
	}

	go func() {
		err := s.deps.Coordinator.StartExtraction(context.Background(), id, req.Password)
		if err != nil && !errors.Is(err, coordinator.ErrExtractionCanceled) {
			s.log.Error("Extraction failed", "mount_id", id, "error", err)
		}
	}()
	return RespondAccepted(c, fiber.Map{"id": id, "status": string(mount.StatusDownloading)})
}

func (s *Server) handleCancelExtraction(c *fiber.Ctx) error {
	id := c.Params("id")
	if !s.deps.Coordinator.Running(id) {
		return RespondConflict(c, "No extraction running for mount", id)
	}
	s.deps.Coordinator.CancelExtraction(id)
	return RespondSuccess(c, fiber.Map{"id": id, "canceled": true})
}
