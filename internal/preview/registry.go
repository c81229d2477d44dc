// Package preview keeps receipt images in memory for the lifetime of an edit
// session and serves them back to the admin UI by handle.
package preview

import (
	"bytes"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Blob is one previewable file.
type Blob struct {
	Name        string
	ContentType string
	Data        []byte
	CreatedAt   time.Time
}

// Registry maps preview handles to blobs. Handles are revoked by the
// session that created them; a revoked handle 404s.
type Registry struct {
	basePath string

	mu    sync.RWMutex
	blobs map[uuid.UUID]Blob
}

// NewRegistry creates a registry whose references look like basePath/{handle}.
func NewRegistry(basePath string) *Registry {
	return &Registry{
		basePath: strings.TrimRight(basePath, "/"),
		blobs:    make(map[uuid.UUID]Blob),
	}
}

// Create stores data and returns its reference.
func (r *Registry) Create(name, contentType string, data []byte) (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	r.mu.Lock()
	r.blobs[id] = Blob{Name: name, ContentType: contentType, Data: data, CreatedAt: time.Now()}
	r.mu.Unlock()

	return r.basePath + "/" + id.String(), nil
}

// Revoke forgets the blob behind ref. It reports false if ref was unknown or
// already revoked.
func (r *Registry) Revoke(ref string) bool {
	id, ok := r.parse(ref)
	if !ok {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.blobs[id]; !exists {
		return false
	}
	delete(r.blobs, id)
	return true
}

// Get looks up a blob by handle.
func (r *Registry) Get(id uuid.UUID) (Blob, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.blobs[id]
	return b, ok
}

// Len returns the number of live previews.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.blobs)
}

func (r *Registry) parse(ref string) (uuid.UUID, bool) {
	handle := ref
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		handle = ref[i+1:]
	}
	id, err := uuid.Parse(handle)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// RegisterRoutes mounts the preview endpoint. Expected under basePath.
func (r *Registry) RegisterRoutes(rt chi.Router) {
	rt.Get("/{handle}", r.Serve)
}

// Serve handles GET {basePath}/{handle}.
func (r *Registry) Serve(w http.ResponseWriter, req *http.Request) {
	id, err := uuid.Parse(chi.URLParam(req, "handle"))
	if err != nil {
		http.NotFound(w, req)
		return
	}
	blob, ok := r.Get(id)
	if !ok {
		http.NotFound(w, req)
		return
	}

	w.Header().Set("Content-Type", blob.ContentType)
	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, req, blob.Name, blob.CreatedAt, bytes.NewReader(blob.Data))
}
