package media

import (
	"context"
	stderrors "errors"
	"fmt"
	"path"
	"strings"
	"time"

	errordefs "github.com/RegistryAccord/registryaccord-missions-go/internal/errors"
	"github.com/google/uuid"
)

// DefaultUploadExpiry bounds how long a presigned upload URL is valid.
const DefaultUploadExpiry = 15 * time.Minute

// UploadRequest is the body of a recording upload init call.
type UploadRequest struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum,omitempty"`
}

// UploadTicket tells the client where to PUT the recording.
type UploadTicket struct {
	RecordingID string    `json:"recordingId"`
	UploadURL   string    `json:"uploadUrl"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Recording is a verified upload.
type Recording struct {
	RecordingID string `json:"recordingId"`
	Size        int64  `json:"size"`
	MimeType    string `json:"mimeType"`
}

// Uploads issues presigned recording uploads and verifies them afterwards.
// Objects are keyed by the owner's wallet so one wallet cannot complete
// another's upload.
type Uploads struct {
	store   ObjectStore
	maxSize int64
	allowed map[string]bool
	expiry  time.Duration
	now     func() time.Time
}

// NewUploads creates the upload flow over store.
func NewUploads(store ObjectStore, maxSize int64, allowedTypes []string) *Uploads {
	allowed := make(map[string]bool, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed[strings.ToLower(t)] = true
	}
	return &Uploads{store: store, maxSize: maxSize, allowed: allowed, expiry: DefaultUploadExpiry, now: time.Now}
}

func objectKey(owner, recordingID string) string {
	return path.Join("recordings", strings.ToLower(owner), recordingID)
}

// Init validates the declared upload and signs a PUT for it.
func (u *Uploads) Init(ctx context.Context, owner string, req UploadRequest) (*UploadTicket, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, errordefs.Validation("owner", "is required")
	}
	if strings.TrimSpace(req.Filename) == "" {
		return nil, errordefs.Validation("filename", "is required")
	}
	mime := strings.ToLower(strings.TrimSpace(req.MimeType))
	if !u.allowed[mime] {
		return nil, errordefs.Validation("mimeType", fmt.Sprintf("%q is not an accepted audio type", req.MimeType))
	}
	if req.Size <= 0 {
		return nil, errordefs.Validation("size", "must be positive")
	}
	if req.Size > u.maxSize {
		return nil, errordefs.Validation("size", fmt.Sprintf("exceeds the %d byte limit", u.maxSize))
	}

	id := uuid.NewString()
	url, err := u.store.PresignPut(ctx, objectKey(owner, id), mime, req.Size, u.expiry)
	if err != nil {
		return nil, errordefs.Unavailable("recording storage", err)
	}
	return &UploadTicket{RecordingID: id, UploadURL: url, ExpiresAt: u.now().Add(u.expiry).UTC()}, nil
}

// Complete confirms that owner's recording was uploaded and is within limits.
func (u *Uploads) Complete(ctx context.Context, owner, recordingID string) (*Recording, error) {
	if _, err := uuid.Parse(recordingID); err != nil {
		return nil, errordefs.NotFound("recording")
	}
	info, err := u.store.Head(ctx, objectKey(owner, recordingID))
	if err != nil {
		if stderrors.Is(err, ErrObjectNotFound) {
			return nil, errordefs.NotFound("recording")
		}
		return nil, errordefs.Unavailable("recording storage", err)
	}
	if info.Size > u.maxSize {
		return nil, errordefs.Validation("size", fmt.Sprintf("exceeds the %d byte limit", u.maxSize))
	}
	return &Recording{RecordingID: recordingID, Size: info.Size, MimeType: info.ContentType}, nil
}
