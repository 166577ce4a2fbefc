package api

import (
	"net/http"
	"path"
	"strings"

	"github.com/gorilla/mux"

	apperrors "github.com/x-mirror/internal/errors"
	"github.com/x-mirror/internal/media"
)

// handleMediaCache serves a cached media file. Each read refreshes the
// asset's access time, which drives LRU eviction.
func (s *Server) handleMediaCache(w http.ResponseWriter, r *http.Request) {
	rel := mux.Vars(r)["path"]
	if s.media == nil {
		respondAppError(w, apperrors.NewNotFoundError("media", rel))
		return
	}

	f, info, err := s.media.Open(r.Context(), rel)
	if err != nil {
		respondAppError(w, err)
		return
	}
	defer f.Close()

	ext := strings.TrimPrefix(path.Ext(info.Name()), ".")
	w.Header().Set("Content-Type", media.MimeType(ext))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}
