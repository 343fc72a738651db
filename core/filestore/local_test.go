package filestore_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basin-tech/basin/core/filestore"
)

func newLocal(t *testing.T) (filestore.Driver, *mux.Router) {
	t.Helper()
	router := mux.NewRouter()
	driver, err := filestore.NewLocalFilesystem(router, filestore.LocalConfiguration{
		BasePath:  t.TempDir(),
		PublicURL: "http://example.com",
		Secret:    "test-secret",
	})
	require.NoError(t, err)
	return driver, router
}

func serve(router *mux.Router, method, url string, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	r := httptest.NewRequest(method, url, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, r)
	return rec
}

func localPath(t *testing.T, fullURL string) string {
	t.Helper()
	i := strings.Index(fullURL, "/filestore")
	require.GreaterOrEqual(t, i, 0)
	return fullURL[i:]
}

func TestPresignedRoundTrip(t *testing.T) {
	driver, router := newLocal(t)

	putURL, err := driver.GetPreSignedURL(filestore.Put, "tasks/r1/a.txt", time.Minute)
	require.NoError(t, err)
	rec := serve(router, http.MethodPut, localPath(t, putURL), "hello")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	getURL, err := driver.GetPreSignedURL(filestore.Get, "tasks/r1/a.txt", time.Minute)
	require.NoError(t, err)
	rec = serve(router, http.MethodGet, localPath(t, getURL), "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
}

func TestPresignedURLRejections(t *testing.T) {
	driver, router := newLocal(t)
	require.NoError(t, driver.UploadData("tasks/r1/a.txt", []byte("hello")))

	getURL, err := driver.GetPreSignedURL(filestore.Get, "tasks/r1/a.txt", time.Minute)
	require.NoError(t, err)

	// a GET signature is not valid for PUT
	rec := serve(router, http.MethodPut, localPath(t, getURL), "evil")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// tampered key
	tampered := strings.Replace(localPath(t, getURL), "a.txt", "b.txt", 1)
	rec = serve(router, http.MethodGet, tampered, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// expired
	expired, err := driver.GetPreSignedURL(filestore.Get, "tasks/r1/a.txt", -time.Minute)
	require.NoError(t, err)
	rec = serve(router, http.MethodGet, localPath(t, expired), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestKeysMayNotEscapeBaseFolder(t *testing.T) {
	driver, _ := newLocal(t)
	assert.Error(t, driver.UploadData("../escape.txt", []byte("x")))
	assert.Error(t, driver.Delete("../../etc/passwd"))
}

func TestDeleteAllWithPrefix(t *testing.T) {
	driver, _ := newLocal(t)

	require.NoError(t, driver.UploadData("tasks/r1/a.txt", []byte("a")))
	require.NoError(t, driver.UploadData("tasks/r1/b.txt", []byte("b")))
	require.NoError(t, driver.UploadData("tasks/r2/c.txt", []byte("c")))

	require.NoError(t, driver.DeleteAllWithPrefix("tasks/r1/"))

	assert.Error(t, driver.Delete("tasks/r1/a.txt"), "already gone")
	assert.NoError(t, driver.Delete("tasks/r2/c.txt"), "other records untouched")
}
