package internal

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"worldchat/internal/storage"
)

// HandleImageUpload attaches an image to one of the caller's messages.
// The form carries message_id and file; only image content is accepted,
// whatever the filename says.
func (s *Server) HandleImageUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxImageSize+1<<20)
	if err := r.ParseMultipartForm(s.maxImageSize); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("file too large"))
		return
	}

	messageID, err := strconv.ParseInt(r.FormValue("message_id"), 10, 64)
	if err != nil || messageID <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("message_id required"))
		return
	}
	message, err := s.store.GetMessage(r.Context(), messageID)
	if err != nil {
		s.internalError(w, "load message", err)
		return
	}
	if message == nil {
		writeError(w, http.StatusNotFound, errMessageMissing)
		return
	}
	if message.SenderID != caller(r).UserID {
		writeError(w, http.StatusForbidden, errForbidden)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("no file provided"))
		return
	}
	defer file.Close()

	filename := filepath.Base(header.Filename)
	if filename == "" || filename == "." || filename == ".." || filename == string(filepath.Separator) {
		writeError(w, http.StatusBadRequest, errors.New("invalid filename"))
		return
	}
	if header.Size > s.maxImageSize {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("file too large"))
		return
	}

	detected, err := mimetype.DetectReader(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("unreadable file"))
		return
	}
	if !strings.HasPrefix(detected.String(), "image/") {
		writeError(w, http.StatusUnsupportedMediaType, fmt.Errorf("unsupported file type %s", detected.String()))
		return
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		s.internalError(w, "rewind upload", err)
		return
	}

	conversationDir := strconv.FormatInt(message.ConversationID, 10)
	relPath := filepath.Join(conversationDir, uuid.NewString()+detected.Extension())
	storagePath, ok := s.uploadPath(relPath)
	if !ok {
		writeError(w, http.StatusBadRequest, errors.New("invalid file path"))
		return
	}
	if err := os.MkdirAll(filepath.Dir(storagePath), 0o755); err != nil {
		s.internalError(w, "create upload directory", err)
		return
	}
	destFile, err := os.Create(storagePath)
	if err != nil {
		s.internalError(w, "create file", err)
		return
	}
	written, err := io.Copy(destFile, file)
	if closeErr := destFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(storagePath)
		s.internalError(w, "save file", err)
		return
	}

	image, err := s.store.CreateImage(r.Context(), storage.Image{
		MessageID: message.ID,
		Filename:  filename,
		Path:      relPath,
		MimeType:  detected.String(),
		Size:      written,
	})
	if err != nil {
		_ = os.Remove(storagePath)
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, errMessageMissing)
			return
		}
		s.internalError(w, "store image", err)
		return
	}
	s.logger.Info("Image uploaded", "image_id", image.ID, "message_id", message.ID, "size", written)
	writeJSON(w, http.StatusCreated, image)
}

// HandleImageDownload serves an image to the participants of its conversation.
func (s *Server) HandleImageDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	image, err := s.store.GetImage(r.Context(), id)
	if err != nil {
		s.internalError(w, "load image", err)
		return
	}
	if image == nil {
		http.Error(w, "image not found", http.StatusNotFound)
		return
	}
	message, err := s.store.GetMessage(r.Context(), image.MessageID)
	if err != nil || message == nil {
		http.Error(w, "image not found", http.StatusNotFound)
		return
	}
	conversation, err := s.store.GetConversation(r.Context(), message.ConversationID)
	if err != nil || conversation == nil {
		http.Error(w, "image not found", http.StatusNotFound)
		return
	}
	if !conversation.Involves(caller(r).UserID) {
		writeError(w, http.StatusForbidden, errForbidden)
		return
	}

	filePath, ok := s.uploadPath(image.Path)
	if !ok {
		http.Error(w, "invalid file path", http.StatusForbidden)
		return
	}
	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "file not found on disk", http.StatusNotFound)
		} else {
			s.internalError(w, "open image", err)
		}
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", image.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", image.Filename))
	http.ServeContent(w, r, image.Filename, image.CreatedAt, file)
}
