package api

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"learnhub/internal/models"
	"learnhub/internal/service"
	"learnhub/internal/store"
	"learnhub/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Recognized variant languages and their wire form.
const (
	langFrench = "fr_FR"
	langArabic = "ar_MA"
)

var bcp47 = map[string]string{
	langFrench: "fr-FR",
	langArabic: "ar-MA",
}

// legacyDirAliases maps canonical variant directories to historical
// spellings still present on older storage volumes.
var legacyDirAliases = map[string]string{
	"videos/stream/ar_maroc": "videos/strem/ar_maroc",
}

// AccessChecker decides lecture access. Satisfied by service.AccessPolicy.
type AccessChecker interface {
	CheckLecture(ctx context.Context, viewer service.Viewer, lectureID int64) (*models.Lecture, *models.Course, service.AccessDecision, error)
}

// VariantSource lists a lecture's video variants.
type VariantSource interface {
	Variants(ctx context.Context, lectureID int64) ([]models.VideoVariant, error)
}

// StoreVariantSource adapts the store to VariantSource.
type StoreVariantSource struct {
	Store *store.Store
}

func (s StoreVariantSource) Variants(ctx context.Context, lectureID int64) ([]models.VideoVariant, error) {
	return s.Store.GetVideoVariants(ctx, s.Store.DB(), lectureID)
}

// StreamHandler serves lecture video with byte-range, conditional, and
// language-negotiation support.
type StreamHandler struct {
	access     AccessChecker
	variants   VariantSource
	mediaRoot  string
	chunkBytes int
	logger     *zap.Logger
}

func NewStreamHandler(access AccessChecker, variants VariantSource, mediaRoot string, chunkBytes int) *StreamHandler {
	if chunkBytes <= 0 {
		chunkBytes = 512 * 1024
	}
	root, err := filepath.Abs(mediaRoot)
	if err != nil {
		root = filepath.Clean(mediaRoot)
	}
	return &StreamHandler{
		access:     access,
		variants:   variants,
		mediaRoot:  root,
		chunkBytes: chunkBytes,
		logger:     util.GetLogger(),
	}
}

// viewerFrom reads the identity the auth gateway injected. A missing or
// malformed user id means anonymous.
func viewerFrom(c *gin.Context) service.Viewer {
	var v service.Viewer
	if raw := c.GetHeader("X-User-Id"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			v.UserID = id
		}
	}
	v.IsStaff = c.GetHeader("X-User-Staff") == "true"
	v.IsSuperuser = c.GetHeader("X-User-Superuser") == "true"
	v.Preview = c.Query("preview") != ""
	return v
}

// Serve handles GET and HEAD for a lecture's video.
func (h *StreamHandler) Serve(c *gin.Context) {
	start := time.Now()

	lectureID, err := strconv.ParseInt(c.Param("lecture_id"), 10, 64)
	if err != nil {
		h.finish(c, http.StatusNotFound, gin.H{"error": "Lecture not found"})
		return
	}

	viewer := viewerFrom(c)
	lecture, course, decision, err := h.access.CheckLecture(c.Request.Context(), viewer, lectureID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			h.finish(c, http.StatusNotFound, gin.H{"error": "Lecture not found"})
			return
		}
		h.logger.Error("Access check failed", zap.Int64("lecture_id", lectureID), zap.Error(err))
		h.finish(c, http.StatusInternalServerError, gin.H{"error": "Access check failed"})
		return
	}
	if !decision.Allowed {
		h.deny(c, course, decision)
		return
	}

	variants, err := h.variants.Variants(c.Request.Context(), lecture.ID)
	if err != nil {
		h.logger.Error("Variant lookup failed", zap.Int64("lecture_id", lectureID), zap.Error(err))
		h.finish(c, http.StatusInternalServerError, gin.H{"error": "Variant lookup failed"})
		return
	}

	path, lang, info, ok := h.pickVariant(c, lecture, variants)
	if !ok {
		h.finish(c, http.StatusNotFound, gin.H{"error": "Video not found"})
		return
	}

	size := info.Size()
	mtime := info.ModTime().UTC().Truncate(time.Second)
	etag := weakETag(path, size, mtime)

	h.baseHeaders(c, path, lang, etag, mtime)

	if clientHasCurrent(c.Request, etag, mtime) {
		h.finishStatus(c, http.StatusNotModified)
		return
	}

	rangeStart, rangeEnd, status := parseRange(c.GetHeader("Range"), size)
	if status == http.StatusRequestedRangeNotSatisfiable {
		c.Header("Content-Range", fmt.Sprintf("bytes */%d", size))
		h.finish(c, http.StatusRequestedRangeNotSatisfiable, gin.H{"error": "Range not satisfiable"})
		return
	}

	contentLength := rangeEnd - rangeStart + 1
	c.Header("Content-Length", strconv.FormatInt(contentLength, 10))
	if status == http.StatusPartialContent {
		c.Header("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rangeStart, rangeEnd, size))
	}

	if c.Request.Method == http.MethodHead {
		h.finishStatus(c, status)
		return
	}

	written, err := h.copyRange(c, path, rangeStart, contentLength, status)
	util.StreamBytesTotal.Add(float64(written))
	util.StreamRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	util.StreamLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		// Client disconnects land here; nothing useful to send back.
		h.logger.Debug("Stream interrupted",
			zap.Int64("lecture_id", lectureID),
			zap.Int64("written", written),
			zap.Error(err))
	}
}

func (h *StreamHandler) deny(c *gin.Context, course *models.Course, decision service.AccessDecision) {
	wantsHTML := strings.Contains(c.GetHeader("Accept"), "text/html")
	if wantsHTML && decision.Status != http.StatusNotFound {
		target := "/login/"
		if decision.Reason == service.AccessReasonPremiumLocked && course != nil {
			target = fmt.Sprintf("/courses/%s/", course.Slug)
		}
		util.StreamRequestsTotal.WithLabelValues(strconv.Itoa(http.StatusFound)).Inc()
		c.Redirect(http.StatusFound, target)
		return
	}

	msg := "Access denied"
	if decision.Status == http.StatusNotFound {
		msg = "Lecture not found"
	}
	h.finish(c, decision.Status, gin.H{"error": msg, "reason": decision.Reason})
}

func (h *StreamHandler) finish(c *gin.Context, status int, body gin.H) {
	util.StreamRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	c.JSON(status, body)
}

func (h *StreamHandler) finishStatus(c *gin.Context, status int) {
	util.StreamRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	c.Status(status)
}

// pickVariant walks the candidate chain until a present, non-empty file
// turns up: explicit ?lang=, Accept-Language, default variant, any variant,
// then the lecture's fallback path.
func (h *StreamHandler) pickVariant(c *gin.Context, lecture *models.Lecture, variants []models.VideoVariant) (string, string, os.FileInfo, bool) {
	type candidate struct {
		path string
		lang string
	}
	var candidates []candidate
	seen := map[string]bool{}

	add := func(path, lang string) {
		if path != "" && !seen[path] {
			seen[path] = true
			candidates = append(candidates, candidate{path, lang})
		}
	}
	byLang := func(lang string) {
		for _, v := range variants {
			if v.Lang == lang {
				add(v.StoragePath, v.Lang)
			}
		}
	}

	if lang, ok := NormalizeLang(c.Query("lang")); ok {
		byLang(lang)
	}
	if lang, ok := preferredLang(c.GetHeader("Accept-Language")); ok {
		byLang(lang)
	}
	for _, v := range variants {
		if v.IsDefault {
			add(v.StoragePath, v.Lang)
		}
	}
	for _, v := range variants {
		add(v.StoragePath, v.Lang)
	}
	if lecture.VideoPath.Valid {
		add(lecture.VideoPath.String, "")
	}

	for _, cand := range candidates {
		if path, info, ok := h.statVariant(cand.path); ok {
			return path, cand.lang, info, true
		}
	}
	return "", "", nil, false
}

// statVariant resolves a storage-relative path under the media root,
// probing legacy directory spellings, and rejects escapes and empty files.
func (h *StreamHandler) statVariant(rel string) (string, os.FileInfo, bool) {
	tries := []string{rel}
	for canonical, legacy := range legacyDirAliases {
		if strings.Contains(rel, canonical) {
			tries = append(tries, strings.Replace(rel, canonical, legacy, 1))
		}
	}

	for _, try := range tries {
		full := filepath.Join(h.mediaRoot, filepath.FromSlash(try))
		full = filepath.Clean(full)
		if !strings.HasPrefix(full, h.mediaRoot+string(os.PathSeparator)) {
			continue
		}
		info, err := os.Stat(full)
		if err != nil || info.IsDir() || info.Size() == 0 {
			continue
		}
		return full, info, true
	}
	return "", nil, false
}

func (h *StreamHandler) baseHeaders(c *gin.Context, path, lang, etag string, mtime time.Time) {
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "video/mp4"
	}
	c.Header("Content-Type", contentType)
	c.Header("Accept-Ranges", "bytes")
	c.Header("ETag", etag)
	c.Header("Last-Modified", mtime.Format(http.TimeFormat))
	c.Header("Cache-Control", "private, no-store")
	c.Header("X-Content-Type-Options", "nosniff")
	c.Header("X-Frame-Options", "DENY")
	c.Header("Vary", "Accept-Language")
	if tag, ok := bcp47[lang]; ok {
		c.Header("Content-Language", tag)
	}
}

// copyRange streams content_length bytes from offset in fixed chunks. The
// file handle closes on return, so a cancelled client stops further reads.
func (h *StreamHandler) copyRange(c *gin.Context, path string, offset, length int64, status int) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}

	c.Status(status)
	w := c.Writer
	buf := make([]byte, h.chunkBytes)
	var written int64
	for written < length {
		want := int64(len(buf))
		if remaining := length - written; remaining < want {
			want = remaining
		}
		n, readErr := f.Read(buf[:want])
		if n > 0 {
			wn, writeErr := w.Write(buf[:n])
			written += int64(wn)
			if writeErr != nil {
				return written, writeErr
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return written, nil
			}
			return written, readErr
		}
		select {
		case <-c.Request.Context().Done():
			return written, c.Request.Context().Err()
		default:
		}
	}
	return written, nil
}

// NormalizeLang maps the accepted spellings of the two supported languages
// onto their canonical variant codes.
func NormalizeLang(raw string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "fr", "fr-fr", "fr_fr":
		return langFrench, true
	case "ar", "ar-ma", "ar_ma":
		return langArabic, true
	}
	return "", false
}

// preferredLang returns the first recognized language in an Accept-Language
// header.
func preferredLang(header string) (string, bool) {
	for _, part := range strings.Split(header, ",") {
		tag := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if lang, ok := NormalizeLang(tag); ok {
			return lang, true
		}
	}
	return "", false
}

func weakETag(path string, size int64, mtime time.Time) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%d:%d", path, size, mtime.Unix())))
	return fmt.Sprintf(`W/"%x"`, sum)
}

// clientHasCurrent applies the conditional request headers. If-None-Match
// wins over If-Modified-Since when both are present.
func clientHasCurrent(r *http.Request, etag string, mtime time.Time) bool {
	if match := r.Header.Get("If-None-Match"); match != "" {
		for _, cand := range strings.Split(match, ",") {
			if strings.TrimSpace(cand) == etag {
				return true
			}
		}
		return false
	}
	if since := r.Header.Get("If-Modified-Since"); since != "" {
		if t, err := http.ParseTime(since); err == nil {
			return t.Equal(mtime)
		}
	}
	return false
}

// parseRange resolves a Range header against the file size. It returns 206
// with the byte window, 416 when the window is empty or out of bounds, or
// 200 when the form is unsupported and the full body should be sent.
func parseRange(header string, size int64) (int64, int64, int) {
	full := int64(0)
	if header == "" {
		return full, size - 1, http.StatusPartialContent
	}
	if !strings.HasPrefix(header, "bytes=") {
		return full, size - 1, http.StatusOK
	}
	spec := strings.TrimPrefix(header, "bytes=")
	if spec == "" {
		return full, size - 1, http.StatusPartialContent
	}
	if strings.Contains(spec, ",") {
		return full, size - 1, http.StatusOK
	}

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return full, size - 1, http.StatusOK
	}
	startStr, endStr := parts[0], parts[1]

	if startStr == "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil {
			return full, size - 1, http.StatusOK
		}
		if n <= 0 {
			return 0, 0, http.StatusRequestedRangeNotSatisfiable
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, http.StatusPartialContent
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return full, size - 1, http.StatusOK
	}
	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil {
			return full, size - 1, http.StatusOK
		}
	}
	if start >= size || start > end {
		return 0, 0, http.StatusRequestedRangeNotSatisfiable
	}
	if end > size-1 {
		end = size - 1
	}
	return start, end, http.StatusPartialContent
}
