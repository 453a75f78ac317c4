// Package api exposes the preprocessing and artifact tooling over HTTP.
package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"WaffleDeploy/engine"
	"WaffleDeploy/export"
	"WaffleDeploy/imgproc"
	"WaffleDeploy/logger"
	"WaffleDeploy/monitor"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultSide = 640

type Server struct {
	Decoder imgproc.Decoder
	Workers int
	// Root bounds the directories /api/dataset may read; empty disables it.
	Root string
}

var errOutsideRoot = errors.New("directory is outside the dataset root")

// resolveDir maps a requested directory onto Root. Relative paths start at
// Root and an empty one is Root itself.
func (s *Server) resolveDir(dir string) (string, error) {
	if s.Root == "" {
		return "", errors.New("dataset browsing is disabled: no dataset root configured")
	}
	root, err := filepath.Abs(s.Root)
	if err != nil {
		return "", err
	}
	if r, err := filepath.EvalSymlinks(root); err == nil {
		root = r
	}
	p := dir
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	if r, err := filepath.EvalSymlinks(p); err == nil {
		p = r
	}
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errOutsideRoot
	}
	return p, nil
}

func requestMetrics(c *gin.Context) {
	start := time.Now()
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	status := c.Writer.Status()
	monitor.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	logger.Log().Debug("http request",
		zap.String("method", c.Request.Method),
		zap.String("route", route),
		zap.Int("status", status),
		zap.Duration("took", time.Since(start)))
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestMetrics)
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/api/tasks", s.tasks)
	r.POST("/api/letterbox", s.letterbox)
	r.GET("/api/dataset", s.dataset)
	r.POST("/api/artifact/inspect", s.inspectArtifact)
	r.GET("/metrics", gin.WrapH(monitor.Handler()))
	return r
}

func (s *Server) tasks(c *gin.Context) {
	type task struct {
		Name    string   `json:"name"`
		Outputs []string `json:"outputs"`
	}
	var out []task
	for _, t := range export.Tasks() {
		out = append(out, task{Name: t.String(), Outputs: t.OutputNames()})
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func querySize(c *gin.Context) (imgproc.Size, error) {
	w, err := queryInt(c, "width", defaultSide)
	if err != nil {
		return imgproc.Size{}, err
	}
	h, err := queryInt(c, "height", w)
	if err != nil {
		return imgproc.Size{}, err
	}
	return imgproc.Size{W: w, H: h}, nil
}

func (s *Server) letterbox(c *gin.Context) {
	size, err := querySize(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid size: " + err.Error()})
		return
	}
	letterBox := c.DefaultQuery("letterbox", "true") != "false"
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File upload failed: " + err.Error()})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()
	img, err := imaging.Decode(f)
	if err != nil {
		monitor.DecodeErrors.Inc()
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": imgproc.ErrDecode.Error() + ": " + err.Error()})
		return
	}
	out, g, err := imgproc.Letterbox(img, size, letterBox)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	monitor.ImagesDecoded.Inc()
	if c.Query("format") == "png" {
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, out, imaging.PNG); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "image/png", buf.Bytes())
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": g.Meta()})
}

func (s *Server) dataset(c *gin.Context) {
	dir, err := s.resolveDir(c.Query("dir"))
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}
	size, err := querySize(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid size: " + err.Error()})
		return
	}
	batch, err := queryInt(c, "batch", 1)
	if err != nil || batch <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid batch"})
		return
	}
	ds, err := imgproc.NewDataset(imgproc.DatasetOptions{
		Dir:       dir,
		Recursive: c.Query("recursive") == "true",
		ImageSize: size,
		LetterBox: c.DefaultQuery("letterbox", "true") != "false",
	}, s.Decoder)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	resp := gin.H{
		"count":   ds.Len(),
		"batches": ds.NumBatches(batch),
		"paths":   ds.Paths(),
	}
	if c.Query("decode") == "true" {
		metas, err := s.decodeAll(c.Request.Context(), ds, batch)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		resp["metas"] = metas
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) decodeAll(ctx context.Context, ds *imgproc.Dataset, batch int) ([]imgproc.Meta, error) {
	metas := make([]imgproc.Meta, 0, ds.Len())
	for b, err := range ds.Batches(ctx, batch, s.Workers) {
		if err != nil {
			return nil, err
		}
		metas = append(metas, b.Metas...)
	}
	return metas, nil
}

func (s *Server) inspectArtifact(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File upload failed: " + err.Error()})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()
	meta, err := engine.ReadMetadata(f)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": meta})
}

// Serve runs the router on port until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: s.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Log().Info("HTTP server listening", zap.Int("port", port))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
