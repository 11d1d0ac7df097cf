package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/rakunlabs/ragchat/internal/chatorch"
	"github.com/rakunlabs/ragchat/internal/extractor"
)

// chatRequest mirrors spec section 6's POST /api/chat request shape.
type chatRequest struct {
	Message            string                `json:"message"`
	Model              string                `json:"model"`
	ModelName          string                `json:"model_name"`
	SessionID          string                `json:"session_id"`
	Attachments        []chatorch.Attachment `json:"attachments"`
	LocalVisionEnabled bool                  `json:"local_vision_enabled"`
	UseRAG             bool                  `json:"use_rag"`
}

// Chat handles POST /api/chat: it streams the C10 pipeline's Frames back
// as `text/event-stream`, one `data: <json>\n\n` line per Frame, per spec
// 4.10/6's SSE wire protocol.
func (s *Server) Chat(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		httpError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	hydrateAttachments(req.Attachments)

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, "streaming not supported by this server", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	emit := func(frame chatorch.Frame) {
		b, err := json.Marshal(frame)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
	}

	err := s.orchestrator.Run(r.Context(), chatorch.Request{
		SessionID:          req.SessionID,
		UserID:             userID,
		Message:            req.Message,
		Provider:           req.Model,
		ModelName:          req.ModelName,
		Attachments:        req.Attachments,
		LocalVisionEnabled: req.LocalVisionEnabled,
		UseRAG:             req.UseRAG,
	}, emit)
	if err != nil {
		emit(chatorch.Frame{Type: "error", Content: err.Error()})
	}
}

// hydrateAttachments fills each attachment's Data/Text from the file the
// request only references by path. Images are sent as raw bytes; other
// documents are extracted to text via C4 so the provider message builder
// can inline them without a native-file upload.
func hydrateAttachments(attachments []chatorch.Attachment) {
	for i := range attachments {
		a := &attachments[i]
		if a.FilePath == "" {
			continue
		}
		data, err := os.ReadFile(a.FilePath)
		if err != nil {
			continue
		}
		if a.FileType == "image" {
			a.Data = data
			continue
		}
		result := extractor.Extract(data, a.FileType)
		if result.Err == "" {
			a.Text = result.Text
		}
	}
}
