// Package server is the HTTP surface: task submission with uploads, status
// and result queries, resubmission, deletion and artifact serving.
package server

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"tryon/internal/config"
	apperrors "tryon/internal/errors"
	"tryon/internal/logging"
	"tryon/internal/registry"
	"tryon/internal/service"
)

// Server wires the try-on service into gin handlers.
type Server struct {
	cfg    *config.Config
	svc    *service.TryOnService
	logger logging.Logger
}

// New creates a Server.
func New(cfg *config.Config, svc *service.TryOnService, logger logging.Logger) *Server {
	return &Server{cfg: cfg, svc: svc, logger: logging.OrNop(logger)}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	if !s.cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLog())
	router.Use(cors.New(cors.Config{
		AllowOrigins: s.cfg.Server.CORSOrigins,
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization", "X-VL-API-Key", "X-Image-API-Key"},
		MaxAge:       12 * time.Hour,
	}))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "tasks": s.svc.Registry().Len()})
	})

	api := router.Group("/api")
	for route, kind := range map[string]registry.TaskKind{
		"accessory-try-on": registry.KindAccessory,
		"clothing-try-on":  registry.KindClothing,
	} {
		group := api.Group("/" + route)
		group.POST("/submit", s.handleSubmit(kind))
		group.POST("/resubmit/:task_id", s.handleResubmit(kind))
		group.GET("/status/:task_id", s.handleStatus)
		group.GET("/result/:task_id", s.handleResult)
		group.DELETE("/task/:task_id", s.handleDelete)
	}
	api.GET("/tasks/:task_id/:filename", s.handleArtifact)

	return router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: s.Router()}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("%s %s -> %d (%s)",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}

type submitResponse struct {
	TaskID        string `json:"task_id"`
	Message       string `json:"message"`
	DeletedTaskID string `json:"deleted_task_id,omitempty"`
}

type statusResponse struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	Message  string `json:"message"`
	Progress int    `json:"progress"`
}

type resultResponse struct {
	TaskID          string `json:"task_id"`
	Status          string `json:"status"`
	Category        string `json:"category,omitempty"`
	Placement       string `json:"placement,omitempty"`
	SubjectImageURL string `json:"subject_image_url,omitempty"`
	PersonImageURL  string `json:"person_image_url,omitempty"`
	ResultImageURL  string `json:"result_image_url,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

type deleteResponse struct {
	TaskID  string `json:"task_id"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Server) handleSubmit(kind registry.TaskKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		subject, err := s.requireUpload(c, "subject_image")
		if err != nil {
			return
		}
		person, err := s.requireUpload(c, "person_image")
		if err != nil {
			return
		}
		detail, err := s.optionalUpload(c, "detail_image")
		if err != nil {
			return
		}

		task, evictedID, err := s.svc.Registry().Create(kind)
		if err != nil {
			s.writeError(c, err)
			return
		}

		inputs := registry.InputPaths{}
		if inputs.Subject, err = s.saveUpload(c, subject, task.Dir, "subject"); err != nil {
			return
		}
		if inputs.Person, err = s.saveUpload(c, person, task.Dir, "person"); err != nil {
			return
		}
		if detail != nil {
			if inputs.Detail, err = s.saveUpload(c, detail, task.Dir, "detail"); err != nil {
				return
			}
		}

		s.svc.Registry().SetInputs(task.ID, inputs)
		task.Inputs = inputs
		s.svc.Start(task, runOptions(c))

		c.JSON(http.StatusOK, submitResponse{
			TaskID:        task.ID,
			Message:       "task submitted, poll its status with the task id",
			DeletedTaskID: evictedID,
		})
	}
}

func (s *Server) handleResubmit(kind registry.TaskKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("task_id")

		dir, err := s.svc.Registry().TaskDir(id)
		if err != nil {
			s.writeError(c, err)
			return
		}

		// Optional replacement uploads are saved before the run restarts.
		var newInputs registry.InputPaths
		for _, upload := range []struct {
			field string
			stem  string
			dest  *string
		}{
			{"subject_image", "subject", &newInputs.Subject},
			{"person_image", "person", &newInputs.Person},
			{"detail_image", "detail", &newInputs.Detail},
		} {
			file, err := s.optionalUpload(c, upload.field)
			if err != nil {
				return
			}
			if file == nil {
				continue
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				s.writeError(c, err)
				return
			}
			if *upload.dest, err = s.saveUpload(c, file, dir, upload.stem); err != nil {
				return
			}
		}

		task, err := s.svc.Resubmit(id, kind, newInputs, runOptions(c))
		if err != nil {
			s.writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, submitResponse{
			TaskID:  task.ID,
			Message: "task resubmitted, poll its status with the task id",
		})
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	task, ok := s.svc.Registry().Get(c.Param("task_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "task not found"})
		return
	}
	c.JSON(http.StatusOK, statusResponse{
		TaskID:   task.ID,
		Status:   string(task.State),
		Message:  task.Message,
		Progress: task.Progress,
	})
}

func (s *Server) handleResult(c *gin.Context) {
	task, ok := s.svc.Registry().Get(c.Param("task_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "task not found"})
		return
	}

	resp := resultResponse{
		TaskID: task.ID,
		Status: string(task.State),
	}
	resp.SubjectImageURL = artifactURL(task.ID, task.Inputs.Subject)
	resp.PersonImageURL = artifactURL(task.ID, task.Inputs.Person)

	if task.Result != nil {
		resp.Category = task.Result.Category
		resp.Placement = task.Result.Placement
		if len(task.Result.Images) > 0 {
			resp.ResultImageURL = artifactURL(task.ID, task.Result.Images[0])
		}
	}
	if task.State == registry.StateFailed {
		resp.ErrorMessage = task.ErrorMsg
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDelete(c *gin.Context) {
	id := c.Param("task_id")
	if !s.svc.Registry().Delete(id) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "task not found"})
		return
	}
	c.JSON(http.StatusOK, deleteResponse{TaskID: id, Success: true, Message: "task deleted"})
}

func (s *Server) handleArtifact(c *gin.Context) {
	id := c.Param("task_id")
	filename := c.Param("filename")
	if filename != filepath.Base(filename) || strings.Contains(filename, "..") {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid filename"})
		return
	}

	dir, err := s.svc.Registry().TaskDir(id)
	if err != nil {
		s.writeError(c, err)
		return
	}

	path := filepath.Join(dir, filename)
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "file not found"})
		return
	}
	c.File(path)
}

// runOptions reads the per-request knobs shared by submit and resubmit.
func runOptions(c *gin.Context) service.RunOptions {
	return service.RunOptions{
		Category:        c.PostForm("category"),
		Placement:       c.PostForm("placement"),
		DisableAnalysis: c.DefaultPostForm("use_analysis", "true") == "false",
		VLModel:         c.PostForm("vl_model"),
		GenModel:        c.PostForm("img_gen_model"),
		VLAPIKey:        c.GetHeader("X-VL-API-Key"),
		GenAPIKey:       c.GetHeader("X-Image-API-Key"),
	}
}

// requireUpload fetches and validates a mandatory multipart file. On
// failure it writes the HTTP error itself and returns a non-nil error.
func (s *Server) requireUpload(c *gin.Context, field string) (*multipart.FileHeader, error) {
	file, err := c.FormFile(field)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": field + " is required"})
		return nil, err
	}
	if err := s.validateUpload(c, file); err != nil {
		return nil, err
	}
	return file, nil
}

// optionalUpload is requireUpload for files that may be absent.
func (s *Server) optionalUpload(c *gin.Context, field string) (*multipart.FileHeader, error) {
	file, err := c.FormFile(field)
	if err != nil {
		return nil, nil
	}
	if err := s.validateUpload(c, file); err != nil {
		return nil, err
	}
	return file, nil
}

// validateUpload enforces the extension allow-list, the size ceiling and
// that the payload decodes as an image. It writes the HTTP error itself.
func (s *Server) validateUpload(c *gin.Context, file *multipart.FileHeader) error {
	ext := strings.ToLower(filepath.Ext(file.Filename))
	if !s.cfg.AllowedExtension(ext) {
		c.JSON(http.StatusBadRequest, gin.H{
			"detail": fmt.Sprintf("unsupported file format %q, allowed: %s",
				ext, strings.Join(s.cfg.Upload.AllowedExtensions, ", ")),
		})
		return errors.New("unsupported extension")
	}
	if file.Size > s.cfg.Upload.MaxFileSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"detail": fmt.Sprintf("file %s too large, limit is %d MB",
				file.Filename, s.cfg.Upload.MaxFileSize/(1024*1024)),
		})
		return errors.New("file too large")
	}

	reader, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "file " + file.Filename + " is unreadable"})
		return err
	}
	defer reader.Close()
	if _, err := imaging.Decode(reader); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "file " + file.Filename + " is not a valid image"})
		return err
	}
	return nil
}

// saveUpload stores the file under dir with a fixed stem and the upload's
// extension. It writes the HTTP error itself on failure.
func (s *Server) saveUpload(c *gin.Context, file *multipart.FileHeader, dir, stem string) (string, error) {
	dest := filepath.Join(dir, stem+strings.ToLower(filepath.Ext(file.Filename)))
	if err := c.SaveUploadedFile(file, dest); err != nil {
		s.logger.Error("failed to save upload %s: %v", dest, err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "failed to store uploaded file"})
		return "", err
	}
	return dest, nil
}

// writeError maps service errors onto HTTP responses.
func (s *Server) writeError(c *gin.Context, err error) {
	var (
		notFound *apperrors.NotFoundError
		invalid  *apperrors.InvalidInputError
	)
	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"detail": "task not found"})
	case errors.As(err, &invalid):
		c.JSON(http.StatusBadRequest, gin.H{"detail": invalid.Reason})
	default:
		s.logger.Error("request failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal error"})
	}
}

// artifactURL converts a local task file path into its serving URL.
func artifactURL(taskID, localPath string) string {
	if localPath == "" {
		return ""
	}
	return fmt.Sprintf("/api/tasks/%s/%s", taskID, filepath.Base(localPath))
}
