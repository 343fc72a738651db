package filestore

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/basin-tech/basin/core/logger"
)

// LocalFilesystem stores files below a base folder and serves them through
// a signed URL route on the router.
type LocalFilesystem struct {
	router     *mux.Router
	baseFolder string
	publicURL  string
	secret     []byte
}

// NewLocalFilesystem returns a new LocalFilesystem and installs its route.
func NewLocalFilesystem(router *mux.Router, config LocalConfiguration) (*LocalFilesystem, error) {
	if config.BasePath == "" {
		return nil, fmt.Errorf("BasePath must not be empty")
	}
	if config.Secret == "" {
		return nil, fmt.Errorf("Secret must not be empty")
	}
	if err := os.MkdirAll(config.BasePath, 0o755); err != nil {
		return nil, err
	}
	f := &LocalFilesystem{
		router:     router,
		baseFolder: config.BasePath,
		publicURL:  strings.TrimSuffix(config.PublicURL, "/"),
		secret:     []byte(config.Secret),
	}
	f.configure()
	return f, nil
}

func (f *LocalFilesystem) configure() {
	logger.Default().Debugln("filestore routes enabled")
	logger.Default().Debugln("  handle filestore route: /filestore GET,PUT")
	f.router.Handle("/filestore", http.HandlerFunc(f.handler)).Methods(http.MethodGet, http.MethodPut)
}

func (f *LocalFilesystem) sign(method Method, key, expiry string) string {
	mac := hmac.New(sha256.New, f.secret)
	mac.Write([]byte(string(method) + "\n" + key + "\n" + expiry))
	return hex.EncodeToString(mac.Sum(nil))
}

func (f *LocalFilesystem) path(key string) (string, error) {
	if strings.Contains(key, "..") {
		return "", fmt.Errorf(".. not authorized in keys")
	}
	return filepath.Join(f.baseFolder, filepath.FromSlash(strings.TrimPrefix(key, "/"))), nil
}

func (f *LocalFilesystem) handler(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	key := v.Get("key")
	expiry := v.Get("expiry")
	method := v.Get("method")
	signature := v.Get("signature")

	if !hmac.Equal([]byte(signature), []byte(f.sign(Method(method), key, expiry))) {
		logger.Default().Errorf("invalid signature for %s", key)
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return
	}
	if r.Method != method {
		logger.Default().Errorf("signature valid for %s, but was used for %s", method, r.Method)
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return
	}
	expiryTime, err := time.Parse(time.RFC3339, expiry)
	if err != nil || time.Now().After(expiryTime) {
		http.Error(w, "url expired", http.StatusUnauthorized)
		return
	}

	path, err := f.path(key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPut:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := f.UploadData(key, data); err != nil {
			logger.Default().WithError(err).Errorf("cannot store %s", key)
			http.Error(w, "cannot store file", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		http.ServeFile(w, r, path)
	}
}

// GetPreSignedURL returns a signed URL that can be used with the given
// method until expiry
func (f *LocalFilesystem) GetPreSignedURL(method Method, key string, expireIn time.Duration) (string, error) {
	expiry := time.Now().Add(expireIn).UTC().Format(time.RFC3339)
	v := url.Values{}
	v.Set("key", key)
	v.Set("expiry", expiry)
	v.Set("method", string(method))
	v.Set("signature", f.sign(method, key, expiry))
	return f.publicURL + "/filestore?" + v.Encode(), nil
}

// UploadData stores data under key
func (f *LocalFilesystem) UploadData(key string, data []byte) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Delete deletes the key file
func (f *LocalFilesystem) Delete(key string) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}
	return os.Remove(path)
}

// DeleteAllWithPrefix deletes all keys starting with prefix
func (f *LocalFilesystem) DeleteAllWithPrefix(prefix string) error {
	path, err := f.path(prefix)
	if err != nil {
		return err
	}
	return os.RemoveAll(path)
}
