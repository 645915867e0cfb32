package storage

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/anjiri1684/amora_chat/models"
	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
)

const AttachmentFolder = "amora_chat_attachments"

type CloudinaryStore struct {
	cld    *cloudinary.Cloudinary
	secret string
}

func NewCloudinaryStore(cloudinaryURL string) (*CloudinaryStore, error) {
	cld, err := cloudinary.NewFromURL(cloudinaryURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Cloudinary: %w", err)
	}
	parsed, err := url.Parse(cloudinaryURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Cloudinary URL: %w", err)
	}
	secret, _ := parsed.User.Password()
	return &CloudinaryStore{cld: cld, secret: secret}, nil
}

func resourceType(kind string) string {
	switch kind {
	case models.AttachmentImage:
		return "image"
	case models.AttachmentVideo:
		return "video"
	default:
		return "raw"
	}
}

func (s *CloudinaryStore) Purge(ctx context.Context, att models.Attachment) error {
	res, err := s.cld.Upload.Destroy(ctx, uploader.DestroyParams{
		PublicID:     att.StorageKey,
		ResourceType: resourceType(att.Kind),
		Invalidate:   api.Bool(true),
	})
	if err != nil {
		return err
	}
	if res.Error.Message != "" {
		return fmt.Errorf("cloudinary destroy %s: %s", att.StorageKey, res.Error.Message)
	}
	if res.Result != "ok" && res.Result != "not found" {
		return fmt.Errorf("cloudinary destroy %s: %s", att.StorageKey, res.Result)
	}
	return nil
}

type UploadSignature struct {
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
	APIKey    string `json:"apiKey"`
	CloudName string `json:"cloudName"`
	Folder    string `json:"folder"`
}

// SignUpload signs a direct browser upload into the attachment folder. The
// returned public id becomes the attachment's storage key.
func (s *CloudinaryStore) SignUpload(now time.Time) (*UploadSignature, error) {
	params, err := api.StructToParams(uploader.UploadParams{Folder: AttachmentFolder})
	if err != nil {
		return nil, fmt.Errorf("failed to prepare signature params: %w", err)
	}
	ts := now.Unix()
	params.Set("timestamp", strconv.FormatInt(ts, 10))

	signature, err := api.SignParameters(params, s.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign upload params: %w", err)
	}
	return &UploadSignature{
		Signature: signature,
		Timestamp: ts,
		APIKey:    s.cld.Config.Cloud.APIKey,
		CloudName: s.cld.Config.Cloud.CloudName,
		Folder:    AttachmentFolder,
	}, nil
}
