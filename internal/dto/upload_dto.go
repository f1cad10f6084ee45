package dto

import "github.com/noah-isme/rally-go-api/pkg/protocol"

// UploadResponse describes a stored attachment. The embedded attachment is what clients
// pass back in message:send.
type UploadResponse struct {
	protocol.Attachment
	MimeType string `json:"mimeType"`
	Checksum string `json:"checksum"`
}
