package delivery

import (
	"github.com/h2non/filetype"

	"tripchat/internal/models"
)

// SniffLen is how many leading bytes DetectContentType looks at.
const SniffLen = 262

// DetectContentType classifies an attachment by its leading bytes.
func DetectContentType(head []byte) models.ContentType {
	if len(head) > SniffLen {
		head = head[:SniffLen]
	}
	if filetype.IsImage(head) {
		return models.ContentTypeImage
	}
	return models.ContentTypeFile
}
