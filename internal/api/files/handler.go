// Package files implements the HTTP handlers for project file storage.
//
// Route layout, relative to /api/projects/:project:
//
//	PUT    /files/:fileId             store an upload
//	GET    /files/:fileId             download (CDN, signed URL or stream)
//	DELETE /files/:fileId             delete bytes and record
//	GET    /files/:fileId/url         signed URL
//	GET    /files/:fileId/info        media metadata
//	GET    /files?group=uploads       list stored ids
//	PUT    /thumbnails/:thumbnailId
//	GET    /thumbnails/:thumbnailId
//	DELETE /thumbnails/:thumbnailId
//	POST   /sweep                     delete unused uploads
//	POST   /trash                     move a local project aside
package files

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/project-storage/project-storage/internal/projectstorage"
	"github.com/project-storage/project-storage/internal/storage"
)

// maxThumbnailSize caps thumbnail uploads, which are buffered in memory.
const maxThumbnailSize = 10 << 20

// Provider hands out the storage of a named project.
type Provider interface {
	For(projectName string) (*projectstorage.ProjectStorage, error)
}

// Handler holds the dependencies for all file endpoints.
type Handler struct {
	storage       Provider
	maxUploadSize int64
}

// NewHandler creates a new Handler. maxUploadSize of zero means unlimited.
func NewHandler(provider Provider, maxUploadSize int64) *Handler {
	return &Handler{storage: provider, maxUploadSize: maxUploadSize}
}

// RegisterRoutes mounts the handlers on a /api/projects/:project group.
func (h *Handler) RegisterRoutes(project *gin.RouterGroup, upload ...gin.HandlerFunc) {
	project.PUT("/files/:fileId", chain(upload, h.Upload)...)
	project.GET("/files/:fileId", h.Download)
	project.DELETE("/files/:fileId", h.Delete)
	project.GET("/files/:fileId/url", h.SignedURL)
	project.GET("/files/:fileId/info", h.MediaInfo)
	project.GET("/files", h.List)

	project.PUT("/thumbnails/:thumbnailId", chain(upload, h.StoreThumbnail)...)
	project.GET("/thumbnails/:thumbnailId", h.Thumbnail)
	project.DELETE("/thumbnails/:thumbnailId", h.DeleteThumbnail)

	project.POST("/sweep", h.Sweep)
	project.POST("/trash", h.Trash)
}

func chain(middleware []gin.HandlerFunc, handler gin.HandlerFunc) []gin.HandlerFunc {
	return append(slices.Clone(middleware), handler)
}

// resolveProject returns the storage of the :project path parameter, writing
// an error response and returning false when the name is invalid.
func (h *Handler) resolveProject(c *gin.Context) (*projectstorage.ProjectStorage, bool) {
	ps, err := h.storage.For(c.Param("project"))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return ps, true
}

// ---- PUT /files/:fileId -------------------------------------------------------------

// Upload streams the request body into the uploads group.
func (h *Handler) Upload(c *gin.Context) {
	ps, ok := h.resolveProject(c)
	if !ok {
		return
	}

	body := c.Request.Body
	if h.maxUploadSize > 0 {
		if c.Request.ContentLength > h.maxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Upload exceeds the maximum size"})
			return
		}
		body = http.MaxBytesReader(c.Writer, body, h.maxUploadSize)
	}

	size, err := ps.UploadFromRequest(c.Request.Context(), c.Param("fileId"), storage.GroupUploads, body, c.Request.ContentLength)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Upload exceeds the maximum size"})
			return
		}
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": c.Param("fileId"), "size": size})
}

// ---- GET /files/:fileId -------------------------------------------------------------

// Download sends the client to the CDN when one is configured, to a signed
// URL for object storage, and streams the bytes otherwise.
func (h *Handler) Download(c *gin.Context) {
	ps, ok := h.resolveProject(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	fileID := c.Param("fileId")

	link, err := ps.CDNLink(ctx, fileID)
	switch {
	case err == nil:
		for _, cookie := range link.Cookies {
			http.SetCookie(c.Writer, cookie)
		}
		c.Redirect(http.StatusFound, link.URL)
		return
	case !errors.Is(err, storage.ErrFeatureDisabled):
		respondError(c, err)
		return
	}

	if ps.IsObjectStorage() {
		url, err := ps.SignedURL(ctx, fileID, storage.GroupUploads, 0)
		if err != nil {
			respondError(c, err)
			return
		}
		c.Redirect(http.StatusTemporaryRedirect, url)
		return
	}

	rc, err := ps.Open(ctx, fileID, storage.GroupUploads)
	if err != nil {
		respondError(c, err)
		return
	}
	defer rc.Close()

	c.Header("Cache-Control", "private, max-age=3600")
	c.DataFromReader(http.StatusOK, -1, "application/octet-stream", rc, nil)
}

// ---- DELETE /files/:fileId ----------------------------------------------------------

// Delete removes the bytes of a file and then its database record.
func (h *Handler) Delete(c *gin.Context) {
	ps, ok := h.resolveProject(c)
	if !ok {
		return
	}
	if err := ps.DeleteFile(c.Request.Context(), c.Param("fileId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ---- GET /files/:fileId/url ---------------------------------------------------------

// SignedURL returns a direct download URL. The optional ttl query parameter
// is in seconds.
func (h *Handler) SignedURL(c *gin.Context) {
	ps, ok := h.resolveProject(c)
	if !ok {
		return
	}

	var ttl time.Duration
	if raw := c.Query("ttl"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ttl must be a positive number of seconds"})
			return
		}
		ttl = time.Duration(seconds) * time.Second
	}

	url, err := ps.SignedURL(c.Request.Context(), c.Param("fileId"), storage.GroupUploads, ttl)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

// ---- GET /files/:fileId/info --------------------------------------------------------

// MediaInfo returns the media metadata of an uploaded file.
func (h *Handler) MediaInfo(c *gin.Context) {
	ps, ok := h.resolveProject(c)
	if !ok {
		return
	}
	info, err := ps.MediaInfo(c.Request.Context(), c.Param("fileId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// ---- GET /files ---------------------------------------------------------------------

// List returns the ids stored in a group, uploads by default.
func (h *Handler) List(c *gin.Context) {
	ps, ok := h.resolveProject(c)
	if !ok {
		return
	}
	group, err := storage.ParseFileGroup(c.DefaultQuery("group", string(storage.GroupUploads)))
	if err != nil {
		respondError(c, err)
		return
	}

	ids := []string{}
	for id, err := range ps.ListFiles(c.Request.Context(), group) {
		if err != nil {
			respondError(c, err)
			return
		}
		ids = append(ids, id)
	}
	c.JSON(http.StatusOK, gin.H{"group": group, "files": ids, "total_count": len(ids)})
}

// ---- thumbnails ---------------------------------------------------------------------

// StoreThumbnail stores the request body as a thumbnail.
func (h *Handler) StoreThumbnail(c *gin.Context) {
	ps, ok := h.resolveProject(c)
	if !ok {
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxThumbnailSize))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Thumbnail exceeds the maximum size"})
		return
	}
	if err := ps.StoreThumbnail(c.Request.Context(), c.Param("thumbnailId"), payload); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": c.Param("thumbnailId"), "size": len(payload)})
}

// Thumbnail returns a stored thumbnail.
func (h *Handler) Thumbnail(c *gin.Context) {
	ps, ok := h.resolveProject(c)
	if !ok {
		return
	}
	payload, err := ps.Thumbnail(c.Request.Context(), c.Param("thumbnailId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("Cache-Control", "private, max-age=3600")
	c.Data(http.StatusOK, http.DetectContentType(payload), payload)
}

// DeleteThumbnail removes a thumbnail. It always succeeds for valid ids.
func (h *Handler) DeleteThumbnail(c *gin.Context) {
	ps, ok := h.resolveProject(c)
	if !ok {
		return
	}
	if _, err := storage.NormalizeFileID(c.Param("thumbnailId")); err != nil {
		respondError(c, err)
		return
	}
	ps.DeleteThumbnail(c.Request.Context(), c.Param("thumbnailId"))
	c.Status(http.StatusNoContent)
}

// ---- maintenance --------------------------------------------------------------------

// Sweep deletes the project's unused uploads now.
func (h *Handler) Sweep(c *gin.Context) {
	ps, ok := h.resolveProject(c)
	if !ok {
		return
	}
	deleted, err := ps.SweepUnused(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": ps.ProjectName(), "deleted": deleted})
}

// Trash moves a local project directory aside. Object storage is left as is.
func (h *Handler) Trash(c *gin.Context) {
	ps, ok := h.resolveProject(c)
	if !ok {
		return
	}
	ps.Trash(c.Request.Context())
	c.Status(http.StatusAccepted)
}

// respondError writes the status mapped from a storage error. Internal
// details are logged, never returned.
func respondError(c *gin.Context, err error) {
	status := storage.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(c.Request.Context(), "storage request failed",
			"method", c.Request.Method, "path", c.FullPath(), "project", c.Param("project"), "error", err)
		c.JSON(status, gin.H{"error": "Internal storage error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
