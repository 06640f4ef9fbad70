package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/anjiri1684/sitechat/apperror"
	"github.com/anjiri1684/sitechat/database"
	"github.com/anjiri1684/sitechat/models"
	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Attachment scopes record what an uploaded file belongs to.
const (
	ScopeMessage = "message"
)

// AttachmentStore persists an uploaded file and returns its attachment id.
type AttachmentStore interface {
	Store(ctx context.Context, file []byte, filename, folder string, uploaderID uuid.UUID, scope string) (uuid.UUID, error)
}

// UploadSignature lets a client upload straight to Cloudinary.
type UploadSignature struct {
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
	APIKey    string `json:"api_key"`
	Folder    string `json:"folder"`
}

// CloudinaryAttachments uploads files to Cloudinary and records them in the
// attachments table.
type CloudinaryAttachments struct {
	db     *gorm.DB
	cld    *cloudinary.Cloudinary
	secret string
	folder string
}

func NewCloudinaryAttachments(db *gorm.DB, cloudinaryURL, folder string) (*CloudinaryAttachments, error) {
	cld, err := cloudinary.NewFromURL(cloudinaryURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Cloudinary: %w", err)
	}
	parsedURL, err := url.Parse(cloudinaryURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Cloudinary URL: %w", err)
	}
	secret, _ := parsedURL.User.Password()
	return &CloudinaryAttachments{db: db, cld: cld, secret: secret, folder: folder}, nil
}

func (a *CloudinaryAttachments) Store(ctx context.Context, file []byte, filename, folder string, uploaderID uuid.UUID, scope string) (uuid.UUID, error) {
	if folder == "" {
		folder = a.folder
	}

	resp, err := a.cld.Upload.Upload(ctx, bytes.NewReader(file), uploader.UploadParams{
		Folder:       folder,
		ResourceType: "auto",
	})
	if err == nil && resp.Error.Message != "" {
		err = errors.New(resp.Error.Message)
	}
	if err != nil {
		log.Error().Err(err).Str("filename", filename).Str("uploader_id", uploaderID.String()).Msg("attachment upload failed")
		return uuid.Nil, apperror.Transient("attachment_upload_failed", err)
	}

	attachment := &models.Attachment{
		URL:        resp.SecureURL,
		PublicID:   resp.PublicID,
		Folder:     folder,
		UploaderID: uploaderID,
		AttachedTo: scope,
	}
	if err := a.db.WithContext(ctx).Create(attachment).Error; err != nil {
		return uuid.Nil, database.Translate(err)
	}
	return attachment.ID, nil
}

// SignUpload creates a signature for a direct browser upload into the
// configured folder.
func (a *CloudinaryAttachments) SignUpload() (*UploadSignature, error) {
	params, err := api.StructToParams(uploader.UploadParams{Folder: a.folder})
	if err != nil {
		return nil, fmt.Errorf("failed to prepare signature params: %w", err)
	}
	timestamp := time.Now().Unix()
	params.Set("timestamp", strconv.FormatInt(timestamp, 10))

	signature, err := api.SignParameters(params, a.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign upload params: %w", err)
	}
	return &UploadSignature{
		Signature: signature,
		Timestamp: timestamp,
		APIKey:    a.cld.Config.Cloud.APIKey,
		Folder:    a.folder,
	}, nil
}

// DisabledAttachments rejects every upload. It is used when no Cloudinary URL
// is configured.
type DisabledAttachments struct{}

func (DisabledAttachments) Store(context.Context, []byte, string, string, uuid.UUID, string) (uuid.UUID, error) {
	return uuid.Nil, apperror.Forbidden("attachments_disabled", "attachment uploads are not configured")
}
