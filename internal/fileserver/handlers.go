package fileserver

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Handler builds the gin engine serving the share.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.CustomRecovery(func(c *gin.Context, rec any) {
		s.log.Error("handler panic", "path", c.Request.URL.Path, "panic", rec)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}))
	r.Use(s.requestLogger())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:   []string{"Content-Disposition"},
		MaxAge:          12 * time.Hour,
	}))

	r.GET("/", s.handleIndex)
	r.POST("/api/auth", s.handleAuth)

	api := r.Group("/api", s.requireAuth())
	api.GET("/files", s.handleFiles)
	api.GET("/preview/*path", s.handlePreview)
	api.GET("/download/*path", s.handleDownload)
	api.POST("/upload", s.handleUpload)
	api.DELETE("/delete", s.handleDelete)
	api.GET("/search", s.handleSearch)
	api.GET("/events", s.handleEvents)
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) handleIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(indexHTML))
}

type authRequest struct {
	Passcode string `json:"passcode" binding:"required"`
}

func (s *Server) handleAuth(c *gin.Context) {
	var req authRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Passcode is required"})
		return
	}
	if !s.checkPasscode(req.Passcode) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid passcode"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "token": s.passcode})
}

type listResponse struct {
	Path  string     `json:"path"`
	Files []FileItem `json:"files"`
}

func (s *Server) handleFiles(c *gin.Context) {
	full, rel, ok := s.resolveParam(c, c.Query("path"))
	if !ok {
		return
	}
	info, err := os.Stat(full)
	if err != nil {
		s.statError(c, err)
		return
	}
	if !info.IsDir() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Not a directory"})
		return
	}
	items, err := listDir(full, rel)
	if err != nil {
		s.log.Warn("list directory failed", "path", rel, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read directory"})
		return
	}
	c.JSON(http.StatusOK, listResponse{Path: rel, Files: items})
}

func (s *Server) handlePreview(c *gin.Context) {
	full, _, ok := s.resolveParam(c, c.Param("path"))
	if !ok {
		return
	}
	info, err := os.Stat(full)
	if err != nil {
		s.statError(c, err)
		return
	}
	if info.IsDir() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot preview a directory"})
		return
	}
	s.serveFile(c, full, info, false)
}

func (s *Server) handleDownload(c *gin.Context) {
	full, rel, ok := s.resolveParam(c, c.Param("path"))
	if !ok {
		return
	}
	info, err := os.Stat(full)
	if err != nil {
		s.statError(c, err)
		return
	}
	if !info.IsDir() {
		s.serveFile(c, full, info, true)
		return
	}

	name := info.Name()
	if rel == "" {
		name = filepath.Base(s.root)
	}
	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".zip"))
	c.Status(http.StatusOK)
	if err := writeZip(c.Writer, full); err != nil {
		// Headers are already sent; the truncated archive is all we can do.
		s.log.Warn("zip download failed", "path", rel, "err", err)
	}
}

type uploadedFile struct {
	Name         string `json:"name"`
	OriginalName string `json:"originalName"`
	Path         string `json:"path"`
	Size         int64  `json:"size"`
}

func (s *Server) handleUpload(c *gin.Context) {
	full, rel, ok := s.resolveParam(c, c.Query("path"))
	if !ok {
		return
	}
	info, err := os.Stat(full)
	if err != nil {
		s.statError(c, err)
		return
	}
	if !info.IsDir() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Upload target is not a directory"})
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No files uploaded"})
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No files uploaded"})
		return
	}

	saved := make([]uploadedFile, 0, len(files))
	for _, fh := range files {
		name := filepath.Base(filepath.FromSlash(strings.ReplaceAll(fh.Filename, "\\", "/")))
		if name == "." || name == ".." || name == string(filepath.Separator) {
			continue
		}
		if err := c.SaveUploadedFile(fh, filepath.Join(full, name)); err != nil {
			s.log.Warn("upload failed", "name", name, "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save " + name})
			return
		}
		saved = append(saved, uploadedFile{
			Name:         name,
			OriginalName: fh.Filename,
			Path:         joinRel(rel, name),
			Size:         fh.Size,
		})
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "files": saved})
}

type deleteRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleDelete(c *gin.Context) {
	var req deleteRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Path) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Path is required"})
		return
	}
	full, rel, ok := s.resolveParam(c, req.Path)
	if !ok {
		return
	}
	if rel == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "Cannot delete the shared folder"})
		return
	}
	if _, err := os.Lstat(full); err != nil {
		s.statError(c, err)
		return
	}
	if err := os.RemoveAll(full); err != nil {
		s.log.Warn("delete failed", "path", rel, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "path": rel})
}

type searchResponse struct {
	Query   string     `json:"query"`
	Path    string     `json:"path"`
	Results []FileItem `json:"results"`
}

func (s *Server) handleSearch(c *gin.Context) {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Query is required"})
		return
	}
	full, rel, ok := s.resolveParam(c, c.Query("path"))
	if !ok {
		return
	}
	info, err := os.Stat(full)
	if err != nil {
		s.statError(c, err)
		return
	}
	if !info.IsDir() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Not a directory"})
		return
	}
	results := search(full, rel, q)
	if results == nil {
		results = []FileItem{}
	}
	c.JSON(http.StatusOK, searchResponse{Query: q, Path: rel, Results: results})
}

func (s *Server) handleEvents(c *gin.Context) {
	if err := s.events.serve(c.Writer, c.Request); err != nil {
		s.log.Debug("event stream upgrade failed", "err", err)
	}
}

// serveFile answers with the file content, honoring range and conditional
// requests.
func (s *Server) serveFile(c *gin.Context, full string, info fs.FileInfo, attachment bool) {
	f, err := os.Open(full)
	if err != nil {
		s.statError(c, err)
		return
	}
	defer f.Close()
	if attachment {
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", info.Name()))
	}
	http.ServeContent(c.Writer, c.Request, info.Name(), info.ModTime(), f)
}

func (s *Server) resolveParam(c *gin.Context, p string) (string, string, bool) {
	full, rel, err := s.resolve(p)
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
		return "", "", false
	}
	return full, rel, true
}

func (s *Server) statError(c *gin.Context, err error) {
	if errors.Is(err, fs.ErrNotExist) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Path not found"})
		return
	}
	if errors.Is(err, fs.ErrPermission) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
