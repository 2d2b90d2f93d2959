package chat

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/konfihub/konfichat/core"
)

// MIME types accepted for upload. Prefix entries (trailing "/") match a whole
// top-level type.
var allowedMIMEs = []string{"image/", "video/", "text/", "application/pdf"}

// Draft is a not-yet-uploaded attachment picked by the user. It is owned by
// the compose surface and passed explicitly into send; a failed send leaves it
// untouched so the user can retry without re-picking the file.
type Draft struct {
	FileName    string
	Size        int64
	ContentType string
}

// Ref is a validated reference to attachment content. The binary itself stays
// in the filestore; only the reference travels with the message.
type Ref struct {
	FileName    string `json:"file_name"`
	Size        int64  `json:"file_size"`
	ContentType string `json:"content_type"`
	Path        string `json:"file_path,omitempty"` // set once stored
}

// Resolver validates attachments before send and resolves stored references
// into fetchable URLs. It performs no I/O.
type Resolver struct {
	maxSize int64
}

func NewResolver(conf *core.Config) *Resolver {
	return &Resolver{maxSize: conf.Chat.MaxAttachmentSize}
}

// Prepare validates the draft against the MIME allow-list and the size
// ceiling. It does not upload; upload happens as part of the send.
func (r *Resolver) Prepare(d Draft) (Ref, error) {
	mime := core.CleanString(d.ContentType, true /* lower */)
	if !MIMEAllowed(mime) {
		return Ref{}, core.NewValidationError(ErrAttachmentType,
			core.FieldError{Field: "file", Error: fmt.Sprintf("%s: %q", ErrAttachmentType, mime)})
	}
	if d.Size > r.maxSize {
		return Ref{}, core.NewValidationError(ErrAttachmentTooBig,
			core.FieldError{Field: "file", Error: fmt.Sprintf("%s: %d bytes (max %d)", ErrAttachmentTooBig, d.Size, r.maxSize)})
	}
	return Ref{FileName: d.FileName, Size: d.Size, ContentType: mime}, nil
}

func MIMEAllowed(mime string) bool {
	for _, allowed := range allowedMIMEs {
		if strings.HasSuffix(allowed, "/") {
			if strings.HasPrefix(mime, allowed) {
				return true
			}
		} else if mime == allowed {
			return true
		}
	}
	return false
}

// ResolveURL builds the fetchable URL for a stored file reference.
// Pure; it performs no I/O and no token validation.
func ResolveURL(baseURL, filePath, authToken string) string {
	q := make(url.Values)
	q.Set("token", authToken)
	return fmt.Sprintf("%s/chat/files/%s?%s", strings.TrimRight(baseURL, "/"), url.PathEscape(filePath), q.Encode())
}
