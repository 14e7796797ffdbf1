package app

import (
	"io"
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"clarvoy/api/internal/docparse"
)

func (s *HTTPServer) routeDecisions(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 1 {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body DecisionInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		decision, err := s.service.CreateDecision(r.Context(), session, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, decisionJSON(decision))
		return
	}

	decisionID, ok := parseID(w, parts[1], "Decision")
	if !ok {
		return
	}

	if len(parts) == 2 {
		switch r.Method {
		case http.MethodPut:
			var body DecisionInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			decision, err := s.service.UpdateDecision(r.Context(), session, decisionID, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, decisionJSON(decision))
		case http.MethodDelete:
			if err := s.service.DeleteDecision(r.Context(), session, decisionID); err != nil {
				s.fail(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) != 3 {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
		return
	}

	switch {
	case parts[2] == "judgments" && r.Method == http.MethodGet:
		judgments, err := s.service.ListJudgments(r.Context(), decisionID, session.UserID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, mapSlice(judgments, judgmentJSON))

	case parts[2] == "judgments" && r.Method == http.MethodPost:
		var body struct {
			Score     *float64 `json:"score"`
			Rationale string   `json:"rationale"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Score == nil || *body.Score != math.Trunc(*body.Score) || math.Abs(*body.Score) > 1e6 {
			s.fail(w, r, validationError("score", "Score must be an integer between 1 and 10."))
			return
		}
		judgment, err := s.service.SubmitJudgment(r.Context(), decisionID, session.UserID, int(*body.Score), body.Rationale)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, judgmentJSON(judgment))

	case parts[2] == "comments" && r.Method == http.MethodPost:
		var body struct {
			Content string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		comment, err := s.service.CreateComment(r.Context(), session, decisionID, body.Content)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, commentJSON(comment))

	case parts[2] == "attachments" && r.Method == http.MethodGet:
		attachments, err := s.service.ListAttachments(r.Context(), session, decisionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, mapSlice(attachments, attachmentJSON))

	case parts[2] == "attachments" && r.Method == http.MethodPost:
		var body AttachmentInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		attachment, err := s.service.CreateAttachment(r.Context(), session, decisionID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, attachmentJSON(attachment))

	case parts[2] == "nonprofits" && r.Method == http.MethodGet:
		profiles, err := s.service.ListDecisionNonprofits(r.Context(), decisionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, mapSlice(profiles, nonprofitJSON))

	case parts[2] == "nonprofits" && r.Method == http.MethodPost:
		var body struct {
			EIN string `json:"ein"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		profile, err := s.service.LinkNonprofit(r.Context(), session, decisionID, body.EIN)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, nonprofitJSON(profile))

	case parts[2] == "export" && r.Method == http.MethodPost:
		var body struct {
			Format string `json:"format"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.ExportDecision(r.Context(), session, decisionID, body.Format)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		w.Header().Set("Content-Disposition", "attachment; filename=\""+result.Filename+"\"")
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)

	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	}
}

func (s *HTTPServer) routeAttachments(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	switch {
	case parts[0] == "uploads" && len(parts) == 1 && r.Method == http.MethodPost:
		s.handleUpload(w, r)

	case parts[0] == "uploads" && len(parts) == 2 && r.Method == http.MethodGet:
		body, info, err := s.service.OpenUpload(r.Context(), session, parts[1])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		defer body.Close()
		w.Header().Set("Content-Type", info.ContentType)
		w.Header().Set("X-Content-Type-Options", "nosniff")
		if info.Size > 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
		}
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, body); err != nil {
			s.service.logger.Warn("stream upload failed", zap.String("request_id", requestID(r)), zap.Error(err))
		}

	case parts[0] == "attachments" && len(parts) == 3 && parts[2] == "text" && r.Method == http.MethodGet:
		attachmentID, ok := parseID(w, parts[1], "Attachment")
		if !ok {
			return
		}
		text, err := s.service.AttachmentText(r.Context(), session, attachmentID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"extractedText": text})

	case parts[0] == "attachments" && len(parts) == 2 && r.Method == http.MethodDelete:
		attachmentID, ok := parseID(w, parts[1], "Attachment")
		if !ok {
			return
		}
		if err := s.service.DeleteAttachment(r.Context(), session, attachmentID); err != nil {
			s.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	}
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, docparse.MaxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(docparse.MaxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "File too large or malformed upload. Maximum 10MB.", map[string]any{"field": "file"})
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "No file provided", map[string]any{"field": "file"})
		return
	}
	defer file.Close()

	result, err := s.service.Upload(r.Context(), header.Filename, header.Header.Get("Content-Type"), header.Size, file)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
