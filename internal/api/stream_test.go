package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"learnhub/internal/models"
	"learnhub/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeAccess struct {
	lecture  *models.Lecture
	course   *models.Course
	decision service.AccessDecision
	err      error
}

func (f fakeAccess) CheckLecture(ctx context.Context, viewer service.Viewer, lectureID int64) (*models.Lecture, *models.Course, service.AccessDecision, error) {
	return f.lecture, f.course, f.decision, f.err
}

type fakeVariants struct {
	variants []models.VideoVariant
}

func (f fakeVariants) Variants(ctx context.Context, lectureID int64) ([]models.VideoVariant, error) {
	return f.variants, nil
}

func allowed() service.AccessDecision {
	return service.AccessDecision{Allowed: true, Reason: service.AccessReasonEntitled, Status: http.StatusOK}
}

func writeMedia(t *testing.T, root, rel string, size int) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(full, data, 0o644))
}

func newStreamRouter(access AccessChecker, variants VariantSource, root string) *gin.Engine {
	h := NewStreamHandler(access, variants, root, 256)
	r := gin.New()
	r.GET("/stream/:lecture_id", h.Serve)
	r.HEAD("/stream/:lecture_id", h.Serve)
	return r
}

func simpleSetup(t *testing.T) (*gin.Engine, string) {
	root := t.TempDir()
	writeMedia(t, root, "videos/stream/fr_france/lec1.mp4", 1000)
	access := fakeAccess{
		lecture:  &models.Lecture{ID: 1},
		course:   &models.Course{ID: 1, Slug: "go-pro"},
		decision: allowed(),
	}
	variants := fakeVariants{variants: []models.VideoVariant{
		{LectureID: 1, Lang: "fr_FR", StoragePath: "videos/stream/fr_france/lec1.mp4", IsDefault: true},
	}}
	return newStreamRouter(access, variants, root), root
}

func TestStreamFullRequestIsPartialFromZero(t *testing.T) {
	router, _ := simpleSetup(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stream/1", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "1000", w.Header().Get("Content-Length"))
	assert.Equal(t, "bytes 0-999/1000", w.Header().Get("Content-Range"))
	assert.Equal(t, "bytes", w.Header().Get("Accept-Ranges"))
	assert.Equal(t, "video/mp4", w.Header().Get("Content-Type"))
	assert.Equal(t, "fr-FR", w.Header().Get("Content-Language"))
	assert.Equal(t, "private, no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "Accept-Language", w.Header().Get("Vary"))
	assert.Len(t, w.Body.Bytes(), 1000)
}

func TestStreamByteRange(t *testing.T) {
	router, _ := simpleSetup(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stream/1", nil)
	req.Header.Set("Range", "bytes=100-199")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "100", w.Header().Get("Content-Length"))
	assert.Equal(t, "bytes 100-199/1000", w.Header().Get("Content-Range"))
	body := w.Body.Bytes()
	require.Len(t, body, 100)
	assert.Equal(t, byte(100%251), body[0])
}

func TestStreamSuffixRange(t *testing.T) {
	router, _ := simpleSetup(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stream/1", nil)
	req.Header.Set("Range", "bytes=-100")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 900-999/1000", w.Header().Get("Content-Range"))
	assert.Len(t, w.Body.Bytes(), 100)
}

func TestStreamRangeOutOfBounds(t *testing.T) {
	router, _ := simpleSetup(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stream/1", nil)
	req.Header.Set("Range", "bytes=2000-")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, w.Code)
	assert.Equal(t, "bytes */1000", w.Header().Get("Content-Range"))
}

func TestStreamUnsupportedRangeFormServesFull(t *testing.T) {
	router, _ := simpleSetup(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stream/1", nil)
	req.Header.Set("Range", "chunks=1-2")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, w.Body.Bytes(), 1000)
}

func TestStreamConditionalETag(t *testing.T) {
	router, _ := simpleSetup(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stream/1", nil))
	etag := w.Header().Get("ETag")
	require.NotEmpty(t, etag)
	assert.True(t, len(etag) > 4 && etag[:3] == `W/"`)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stream/1", nil)
	req.Header.Set("If-None-Match", etag)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotModified, w.Code)
	assert.Empty(t, w.Body.Bytes())
}

func TestStreamConditionalModifiedSince(t *testing.T) {
	router, _ := simpleSetup(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stream/1", nil))
	lastModified := w.Header().Get("Last-Modified")
	require.NotEmpty(t, lastModified)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stream/1", nil)
	req.Header.Set("If-Modified-Since", lastModified)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotModified, w.Code)
}

func TestStreamHeadReturnsHeadersOnly(t *testing.T) {
	router, _ := simpleSetup(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodHead, "/stream/1", nil)
	req.Header.Set("Range", "bytes=0-99")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "100", w.Header().Get("Content-Length"))
	assert.Empty(t, w.Body.Bytes())
}

func TestStreamLangQueryPicksVariant(t *testing.T) {
	root := t.TempDir()
	writeMedia(t, root, "videos/stream/fr_france/lec1.mp4", 500)
	writeMedia(t, root, "videos/stream/ar_maroc/lec1.mp4", 700)
	access := fakeAccess{
		lecture:  &models.Lecture{ID: 1},
		course:   &models.Course{ID: 1, Slug: "go-pro"},
		decision: allowed(),
	}
	variants := fakeVariants{variants: []models.VideoVariant{
		{LectureID: 1, Lang: "fr_FR", StoragePath: "videos/stream/fr_france/lec1.mp4", IsDefault: true},
		{LectureID: 1, Lang: "ar_MA", StoragePath: "videos/stream/ar_maroc/lec1.mp4"},
	}}
	router := newStreamRouter(access, variants, root)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stream/1?lang=ar", nil))

	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "700", w.Header().Get("Content-Length"))
	assert.Equal(t, "ar-MA", w.Header().Get("Content-Language"))
}

func TestStreamAcceptLanguageFallback(t *testing.T) {
	root := t.TempDir()
	writeMedia(t, root, "videos/stream/ar_maroc/lec1.mp4", 700)
	access := fakeAccess{
		lecture:  &models.Lecture{ID: 1},
		course:   &models.Course{ID: 1},
		decision: allowed(),
	}
	variants := fakeVariants{variants: []models.VideoVariant{
		{LectureID: 1, Lang: "ar_MA", StoragePath: "videos/stream/ar_maroc/lec1.mp4"},
	}}
	router := newStreamRouter(access, variants, root)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stream/1", nil)
	req.Header.Set("Accept-Language", "en-US, ar-MA;q=0.8")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "ar-MA", w.Header().Get("Content-Language"))
}

func TestStreamLegacyDirectoryProbe(t *testing.T) {
	root := t.TempDir()
	// Only the legacy spelling exists on disk.
	writeMedia(t, root, "videos/strem/ar_maroc/lec1.mp4", 300)
	access := fakeAccess{
		lecture:  &models.Lecture{ID: 1},
		course:   &models.Course{ID: 1},
		decision: allowed(),
	}
	variants := fakeVariants{variants: []models.VideoVariant{
		{LectureID: 1, Lang: "ar_MA", StoragePath: "videos/stream/ar_maroc/lec1.mp4", IsDefault: true},
	}}
	router := newStreamRouter(access, variants, root)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stream/1", nil))

	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "300", w.Header().Get("Content-Length"))
}

func TestStreamZeroSizedFileIs404(t *testing.T) {
	root := t.TempDir()
	writeMedia(t, root, "videos/stream/fr_france/lec1.mp4", 0)
	access := fakeAccess{
		lecture:  &models.Lecture{ID: 1},
		course:   &models.Course{ID: 1},
		decision: allowed(),
	}
	variants := fakeVariants{variants: []models.VideoVariant{
		{LectureID: 1, Lang: "fr_FR", StoragePath: "videos/stream/fr_france/lec1.mp4", IsDefault: true},
	}}
	router := newStreamRouter(access, variants, root)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stream/1", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStreamPathEscapeIs404(t *testing.T) {
	root := t.TempDir()
	outside := filepath.Join(filepath.Dir(root), fmt.Sprintf("secret-%d", time.Now().UnixNano()))
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o644))
	t.Cleanup(func() { os.Remove(outside) })

	access := fakeAccess{
		lecture:  &models.Lecture{ID: 1},
		course:   &models.Course{ID: 1},
		decision: allowed(),
	}
	variants := fakeVariants{variants: []models.VideoVariant{
		{LectureID: 1, Lang: "fr_FR", StoragePath: "../" + filepath.Base(outside), IsDefault: true},
	}}
	router := newStreamRouter(access, variants, root)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stream/1", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStreamDenyJSON(t *testing.T) {
	access := fakeAccess{
		lecture: &models.Lecture{ID: 1},
		course:  &models.Course{ID: 1, Slug: "go-pro"},
		decision: service.AccessDecision{
			Allowed: false, Reason: service.AccessReasonPremiumLocked, Status: http.StatusForbidden,
		},
	}
	router := newStreamRouter(access, fakeVariants{}, t.TempDir())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stream/1", nil))

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), service.AccessReasonPremiumLocked)
}

func TestStreamDenyBrowserRedirectsToCourse(t *testing.T) {
	access := fakeAccess{
		lecture: &models.Lecture{ID: 1},
		course:  &models.Course{ID: 1, Slug: "go-pro"},
		decision: service.AccessDecision{
			Allowed: false, Reason: service.AccessReasonPremiumLocked, Status: http.StatusForbidden,
		},
	}
	router := newStreamRouter(access, fakeVariants{}, t.TempDir())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stream/1", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/courses/go-pro/", w.Header().Get("Location"))
}

func TestStreamDenyAnonymousBrowserRedirectsToLogin(t *testing.T) {
	access := fakeAccess{
		lecture: &models.Lecture{ID: 1},
		course:  &models.Course{ID: 1, Slug: "go-pro"},
		decision: service.AccessDecision{
			Allowed: false, Reason: service.AccessReasonAnonymous, Status: http.StatusUnauthorized,
		},
	}
	router := newStreamRouter(access, fakeVariants{}, t.TempDir())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stream/1", nil)
	req.Header.Set("Accept", "text/html")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/login/", w.Header().Get("Location"))
}

func TestStreamUnknownLecture(t *testing.T) {
	access := fakeAccess{err: fmt.Errorf("lecture 9: %w", models.ErrNotFound)}
	router := newStreamRouter(access, fakeVariants{}, t.TempDir())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stream/9", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		header string
		size   int64
		start  int64
		end    int64
		status int
	}{
		{"", 1000, 0, 999, http.StatusPartialContent},
		{"bytes=", 1000, 0, 999, http.StatusPartialContent},
		{"bytes=0-499", 1000, 0, 499, http.StatusPartialContent},
		{"bytes=500-", 1000, 500, 999, http.StatusPartialContent},
		{"bytes=-200", 1000, 800, 999, http.StatusPartialContent},
		{"bytes=0-5000", 1000, 0, 999, http.StatusPartialContent},
		{"bytes=-5000", 1000, 0, 999, http.StatusPartialContent},
		{"bytes=1000-", 1000, 0, 0, http.StatusRequestedRangeNotSatisfiable},
		{"bytes=700-600", 1000, 0, 0, http.StatusRequestedRangeNotSatisfiable},
		{"bytes=-0", 1000, 0, 0, http.StatusRequestedRangeNotSatisfiable},
		{"bytes=0-199,300-", 1000, 0, 999, http.StatusOK},
		{"chunks=0-10", 1000, 0, 999, http.StatusOK},
		{"bytes=abc-", 1000, 0, 999, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			start, end, status := parseRange(tt.header, tt.size)
			assert.Equal(t, tt.status, status)
			if status == http.StatusPartialContent || status == http.StatusOK {
				assert.Equal(t, tt.start, start)
				assert.Equal(t, tt.end, end)
			}
		})
	}
}

func TestNormalizeLang(t *testing.T) {
	for _, raw := range []string{"fr", "FR", "fr-FR", "fr_fr", "fr_FR"} {
		lang, ok := NormalizeLang(raw)
		assert.True(t, ok, raw)
		assert.Equal(t, "fr_FR", lang)
	}
	for _, raw := range []string{"ar", "ar-MA", "AR_MA"} {
		lang, ok := NormalizeLang(raw)
		assert.True(t, ok, raw)
		assert.Equal(t, "ar_MA", lang)
	}
	for _, raw := range []string{"", "en", "de-DE", "fr-CA"} {
		_, ok := NormalizeLang(raw)
		assert.False(t, ok, raw)
	}
}

func TestPreferredLang(t *testing.T) {
	lang, ok := preferredLang("en-US, fr-FR;q=0.9, ar-MA;q=0.8")
	assert.True(t, ok)
	assert.Equal(t, "fr_FR", lang)

	_, ok = preferredLang("en-US, de-DE")
	assert.False(t, ok)

	_, ok = preferredLang("")
	assert.False(t, ok)
}

func TestViewerFromRequest(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/stream/1?preview=1", nil)
	c.Request.Header.Set("X-User-Id", "42")
	c.Request.Header.Set("X-User-Staff", "true")

	v := viewerFrom(c)
	assert.Equal(t, int64(42), v.UserID)
	assert.True(t, v.IsStaff)
	assert.False(t, v.IsSuperuser)
	assert.True(t, v.Preview)

	c2, _ := gin.CreateTestContext(httptest.NewRecorder())
	c2.Request = httptest.NewRequest(http.MethodGet, "/stream/1", nil)
	c2.Request.Header.Set("X-User-Staff", "true")

	v2 := viewerFrom(c2)
	assert.Equal(t, int64(0), v2.UserID)
	assert.False(t, v2.Preview)
}

func TestWeakETagStable(t *testing.T) {
	at := time.Unix(1700000000, 0)
	a := weakETag("/media/x.mp4", 100, at)
	b := weakETag("/media/x.mp4", 100, at)
	c := weakETag("/media/x.mp4", 101, at)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
