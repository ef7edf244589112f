package handlers

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Upload size cap; platform limits are all below this anyway.
const maxUploadBytes = 1 << 30

// Upload accepts one multipart video and stores it in the media backend,
// returning the key and public URL subsequent publish calls use.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	if strings.TrimSpace(userID) == "" {
		writeError(w, http.StatusBadRequest, "user_id_required")
		return
	}
	if h.media == nil {
		writeError(w, http.StatusServiceUnavailable, "media_storage_not_configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("video")
	if err != nil {
		writeError(w, http.StatusBadRequest, "video_file_required")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}
	if !strings.HasPrefix(contentType, "video/") {
		writeError(w, http.StatusUnsupportedMediaType, "video_content_type_required")
		return
	}

	ext := filepath.Ext(header.Filename)
	if ext == "" {
		ext = ".mp4"
	}
	key := fmt.Sprintf("uploads/%s/%s/%s%s", userID, time.Now().UTC().Format("2006/01/02"), uuid.NewString(), ext)

	obj, err := h.media.Put(r.Context(), key, file, header.Size, contentType)
	if err != nil {
		h.logger.Printf("[Upload] store_failed userId=%s key=%s err=%v", userID, key, err)
		writeError(w, http.StatusInternalServerError, "upload_store_failed")
		return
	}

	h.logger.Printf("[Upload] ok userId=%s key=%s size=%d", userID, obj.Key, header.Size)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"key":         obj.Key,
		"url":         obj.URL,
		"hlsUrl":      obj.HLSURL,
		"size":        header.Size,
		"contentType": contentType,
	})
}

// ListUploads returns the user's stored videos, newest first.
func (h *Handler) ListUploads(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	if h.media == nil {
		writeError(w, http.StatusServiceUnavailable, "media_storage_not_configured")
		return
	}

	objects, err := h.media.List(r.Context(), "uploads/"+userID+"/")
	if err != nil {
		h.logger.Printf("[Upload] list_failed userId=%s err=%v", userID, err)
		writeError(w, http.StatusInternalServerError, "upload_list_failed")
		return
	}

	out := make([]map[string]interface{}, 0, len(objects))
	for _, obj := range objects {
		out = append(out, map[string]interface{}{
			"key":    obj.Key,
			"url":    obj.URL,
			"hlsUrl": obj.HLSURL,
			"size":   obj.Size,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
