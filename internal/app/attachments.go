package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"clarvoy/api/internal/docparse"
	"clarvoy/api/internal/governance"
	"clarvoy/api/internal/objectstore"
	"clarvoy/api/internal/store"
)

type UploadResult struct {
	FileName   string `json:"fileName"`
	ObjectPath string `json:"objectPath"`
	FileType   string `json:"fileType"`
	FileSize   int64  `json:"fileSize"`
}

type AttachmentInput struct {
	FileName   string `json:"fileName"`
	FileType   string `json:"fileType"`
	FileSize   int64  `json:"fileSize"`
	ObjectPath string `json:"objectPath"`
	Context    string `json:"context"`
}

var errStorageDisabled = domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "File storage is not configured", nil)

// Upload stores the bytes under a fresh object name. The attachment row is
// created separately once the client knows which decision it belongs to.
func (s *Service) Upload(ctx context.Context, fileName, contentType string, size int64, body io.Reader) (UploadResult, error) {
	if s.objects == nil {
		return UploadResult{}, errStorageDisabled
	}
	if err := checkUpload(fileName, contentType, size); err != nil {
		return UploadResult{}, err
	}
	name := objectstore.NewObjectName(fileName)
	if err := s.objects.Put(ctx, name, body, size, contentType); err != nil {
		return UploadResult{}, err
	}
	return UploadResult{FileName: fileName, ObjectPath: name, FileType: contentType, FileSize: size}, nil
}

func checkUpload(fileName, contentType string, size int64) error {
	if !docparse.IsAllowedType(contentType) {
		return validationError("fileType", "Unsupported file type")
	}
	if !docparse.IsAllowed(contentType, fileName) {
		return validationError("fileName", "File extension does not match MIME type")
	}
	if size <= 0 {
		return validationError("fileSize", "File is empty")
	}
	if size > docparse.MaxUploadBytes {
		return validationError("fileSize", "File too large. Maximum 10MB.")
	}
	return nil
}

// OpenUpload streams a stored object to a viewer allowed to see it.
func (s *Service) OpenUpload(ctx context.Context, session Session, objectPath string) (io.ReadCloser, objectstore.Info, error) {
	if s.objects == nil {
		return nil, objectstore.Info{}, errStorageDisabled
	}
	if !objectstore.IsSafeObjectName(objectPath) {
		return nil, objectstore.Info{}, validationError("objectPath", "Invalid file name")
	}
	attachment, err := s.store.GetAttachmentByObjectPath(ctx, objectPath)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, objectstore.Info{}, notFoundError("File")
		}
		return nil, objectstore.Info{}, err
	}
	if err := s.checkAttachmentAccess(ctx, session, attachment); err != nil {
		return nil, objectstore.Info{}, err
	}
	body, info, err := s.objects.Get(ctx, objectPath)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return nil, objectstore.Info{}, notFoundError("File")
		}
		return nil, objectstore.Info{}, err
	}
	if info.ContentType == "" {
		info.ContentType = attachment.FileType
	}
	return body, info, nil
}

func (s *Service) CreateAttachment(ctx context.Context, session Session, decisionID int64, input AttachmentInput) (store.Attachment, error) {
	if _, err := s.GetDecision(ctx, decisionID); err != nil {
		return store.Attachment{}, err
	}
	input.FileName = strings.TrimSpace(input.FileName)
	if input.FileName == "" || input.FileType == "" || input.FileSize == 0 || input.ObjectPath == "" {
		return store.Attachment{}, validationError("attachment", "Missing required attachment fields")
	}
	if !objectstore.IsSafeObjectName(input.ObjectPath) {
		return store.Attachment{}, validationError("objectPath", "Invalid stored object path")
	}
	if !docparse.IsAllowedType(input.FileType) {
		return store.Attachment{}, validationError("fileType", "Unsupported file type")
	}
	if !docparse.IsAllowed(input.FileType, input.ObjectPath) {
		return store.Attachment{}, validationError("objectPath", "Stored file extension does not match MIME type")
	}
	if input.FileSize < 0 || input.FileSize > docparse.MaxUploadBytes {
		return store.Attachment{}, validationError("fileSize", "File too large. Maximum 10MB.")
	}
	attachmentContext, err := governance.ParseAttachmentContext(input.Context)
	if err != nil {
		return store.Attachment{}, toDomain(err)
	}

	owner := decisionID
	attachment, err := s.store.CreateAttachment(ctx, store.Attachment{
		DecisionID:    &owner,
		UserID:        session.UserID,
		FileName:      input.FileName,
		FileType:      input.FileType,
		FileSize:      input.FileSize,
		ObjectPath:    input.ObjectPath,
		ExtractedText: s.extractText(ctx, input.ObjectPath, input.FileType),
		Context:       string(attachmentContext),
	})
	if err != nil {
		return store.Attachment{}, err
	}
	return attachment, nil
}

// extractText never fails the upload; unreadable documents are stored
// without text.
func (s *Service) extractText(ctx context.Context, objectPath, contentType string) *string {
	if s.objects == nil || !docparse.IsParseable(contentType) {
		return nil
	}
	body, _, err := s.objects.Get(ctx, objectPath)
	if err != nil {
		s.logger.Warn("read upload for extraction failed", zap.String("object", objectPath), zap.Error(err))
		return nil
	}
	defer body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(body, docparse.MaxUploadBytes+1)); err != nil {
		s.logger.Warn("read upload for extraction failed", zap.String("object", objectPath), zap.Error(err))
		return nil
	}
	text, err := docparse.Extract(buf.Bytes(), contentType)
	if err != nil {
		s.logger.Warn("text extraction failed", zap.String("object", objectPath), zap.String("type", contentType), zap.Error(err))
		return nil
	}
	if text == "" {
		return nil
	}
	text = docparse.Cap(text)
	return &text
}

// ListAttachments hides peers' judgment evidence until the decision closes.
func (s *Service) ListAttachments(ctx context.Context, session Session, decisionID int64) ([]store.Attachment, error) {
	decision, err := s.GetDecision(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	all, err := s.store.ListAttachments(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	visible := make([]store.Attachment, 0, len(all))
	for _, a := range all {
		if governance.CanViewAttachment(attachmentAccess(decision, a, session.UserID)) {
			visible = append(visible, a)
		}
	}
	return visible, nil
}

func (s *Service) AttachmentText(ctx context.Context, session Session, attachmentID int64) (string, error) {
	attachment, err := s.getAttachment(ctx, attachmentID)
	if err != nil {
		return "", err
	}
	if err := s.checkAttachmentAccess(ctx, session, attachment); err != nil {
		return "", err
	}
	return deref(attachment.ExtractedText), nil
}

func (s *Service) DeleteAttachment(ctx context.Context, session Session, attachmentID int64) error {
	attachment, err := s.getAttachment(ctx, attachmentID)
	if err != nil {
		return err
	}
	if attachment.UserID != session.UserID && !s.IsAdmin(session) {
		return forbiddenError()
	}
	if s.objects != nil {
		if err := s.objects.Delete(ctx, attachment.ObjectPath); err != nil && !errors.Is(err, objectstore.ErrNotFound) {
			s.logger.Warn("delete stored object failed", zap.String("object", attachment.ObjectPath), zap.Error(err))
		}
	}
	if err := s.store.DeleteAttachment(ctx, attachmentID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

func (s *Service) getAttachment(ctx context.Context, attachmentID int64) (store.Attachment, error) {
	attachment, err := s.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Attachment{}, notFoundError("Attachment")
		}
		return store.Attachment{}, err
	}
	return attachment, nil
}

// checkAttachmentAccess applies the blind rule when the attachment belongs
// to a decision. Unattached uploads are visible to any signed-in user.
func (s *Service) checkAttachmentAccess(ctx context.Context, session Session, attachment store.Attachment) error {
	if attachment.DecisionID == nil {
		return nil
	}
	decision, err := s.store.GetDecision(ctx, *attachment.DecisionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if !governance.CanViewAttachment(attachmentAccess(decision, attachment, session.UserID)) {
		return forbiddenError()
	}
	return nil
}

func attachmentAccess(decision store.Decision, a store.Attachment, requester string) governance.AttachmentAccess {
	return governance.AttachmentAccess{
		DecisionStatus:   governance.Status(decision.Status),
		Context:          governance.AttachmentContext(a.Context),
		OwnerUserID:      a.UserID,
		RequestingUserID: requester,
	}
}
