package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/drblury/objectbridge/internal/runtime/blobstore"
	"github.com/drblury/objectbridge/internal/runtime/envelope"
	"github.com/drblury/objectbridge/internal/runtime/errors"
	"github.com/drblury/objectbridge/internal/runtime/ids"
	"github.com/drblury/objectbridge/internal/runtime/jsoncodec"
	"github.com/drblury/objectbridge/internal/runtime/logging"
)

// Error texts replied by the object handlers.
const (
	ErrTextObjectNotFound   = "Object not found"
	ErrTextInvalidType      = "Invalid type. Must be json, image, or pdf"
	ErrTextObjectIDRequired = "object_id is required"
	ErrTextInvalidPage      = "page must be at least 1"
	ErrTextInvalidPageSize  = "page_size must be between 1 and 100"
	ErrTextFilenameRequired = "filename is required"
)

const (
	defaultPage     = 1
	defaultPageSize = 10
	maxPageSize     = 100

	contentTypeJSON = "application/json"
	contentTypePDF  = "application/pdf"
)

// ObjectsOptions configures the object handlers.
type ObjectsOptions struct {
	Store  blobstore.Store
	Logger logging.ServiceLogger
	// NewID generates object ids. Defaults to random UUIDs.
	NewID func() string
}

// Objects implements the object store operations on top of a blob store.
type Objects struct {
	store blobstore.Store
	log   logging.ServiceLogger
	newID func() string
}

// NewObjects builds the object handlers.
func NewObjects(opts ObjectsOptions) (*Objects, error) {
	if opts.Store == nil {
		return nil, errors.ErrBlobStoreRequired
	}
	newID := opts.NewID
	if newID == nil {
		newID = ids.NewObjectID
	}
	return &Objects{
		store: opts.Store,
		log:   logging.OrNop(opts.Logger).With(logging.LogFields{"component": "objects"}),
		newID: newID,
	}, nil
}

// WriteHandlers serves the write queue.
func (o *Objects) WriteHandlers() Registry {
	return Registry{
		envelope.EventCreateObject: o.CreateObject,
		envelope.EventUploadImage:  o.UploadImage,
		envelope.EventUploadPDF:    o.UploadPDF,
	}
}

// ReadHandlers serves the read queue.
func (o *Objects) ReadHandlers() Registry {
	return Registry{
		envelope.EventListObjects: o.ListObjects,
		envelope.EventGetObject:   o.GetObject,
	}
}

// CreateObject stores the payload as <id>.json.
func (o *Objects) CreateObject(ctx context.Context, payload envelope.Payload) (*envelope.Response, error) {
	data, err := jsoncodec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode object: %w", err)
	}
	id := o.newID()
	name := id + ".json"
	if err := o.store.Put(ctx, name, data, contentTypeJSON); err != nil {
		return nil, err
	}
	o.log.Info("Stored object", logging.LogFields{"object": name, "size": len(data)})
	return envelope.NewJSONResponse(map[string]string{"object_id": id})
}

type uploadPayload struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
	MimeType string `json:"mime_type"`
}

// UploadImage stores a hex encoded image as <id>-<filename>.
func (o *Objects) UploadImage(ctx context.Context, payload envelope.Payload) (*envelope.Response, error) {
	return o.upload(ctx, payload, "image", func(mimeType string) bool {
		return strings.HasPrefix(mimeType, "image/")
	})
}

// UploadPDF stores a hex encoded PDF as <id>-<filename>.
func (o *Objects) UploadPDF(ctx context.Context, payload envelope.Payload) (*envelope.Response, error) {
	return o.upload(ctx, payload, "PDF", func(mimeType string) bool {
		return mimeType == contentTypePDF
	})
}

func (o *Objects) upload(ctx context.Context, payload envelope.Payload, kind string, accept func(string) bool) (*envelope.Response, error) {
	var in uploadPayload
	if err := payload.Decode(&in); err != nil {
		return envelope.NewErrorResponse("Invalid payload: " + err.Error()), nil
	}
	filename := path.Base(strings.ReplaceAll(in.Filename, "\\", "/"))
	if in.Filename == "" || filename == "." || filename == "/" {
		return envelope.NewErrorResponse(ErrTextFilenameRequired), nil
	}
	if !accept(in.MimeType) {
		return envelope.NewErrorResponse(fmt.Sprintf("Invalid file type. Expected %s, got %s", kind, in.MimeType)), nil
	}
	content, err := envelope.DecodeHex(in.Content)
	if err != nil {
		return envelope.NewErrorResponse("Invalid content: " + err.Error()), nil
	}

	id := o.newID()
	name := id + "-" + filename
	if err := o.store.Put(ctx, name, content, in.MimeType); err != nil {
		return nil, err
	}
	o.log.Info("Stored upload", logging.LogFields{"object": name, "size": len(content), "content_type": in.MimeType})
	return envelope.NewJSONResponse(map[string]string{
		"object_id":    id,
		"filename":     filename,
		"content_type": in.MimeType,
	})
}

type listPayload struct {
	Type     string `json:"type"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
}

// ObjectSummary is one entry of a listing page.
type ObjectSummary struct {
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	LastModified string `json:"last_modified"`
	ContentType  string `json:"content_type"`
}

// ObjectPage is the result of list_objects.
type ObjectPage struct {
	Total       int             `json:"total"`
	TotalPages  int             `json:"total_pages"`
	CurrentPage int             `json:"current_page"`
	PageSize    int             `json:"page_size"`
	Objects     []ObjectSummary `json:"objects"`
}

// ListObjects pages through the objects of one kind in name order.
func (o *Objects) ListObjects(ctx context.Context, payload envelope.Payload) (*envelope.Response, error) {
	in := listPayload{Page: defaultPage, PageSize: defaultPageSize}
	if err := payload.Decode(&in); err != nil {
		return envelope.NewErrorResponse("Invalid payload: " + err.Error()), nil
	}
	match, ok := kindFilter(in.Type)
	if !ok {
		return envelope.NewErrorResponse(ErrTextInvalidType), nil
	}
	if in.Page < 1 {
		return envelope.NewErrorResponse(ErrTextInvalidPage), nil
	}
	if in.PageSize < 1 || in.PageSize > maxPageSize {
		return envelope.NewErrorResponse(ErrTextInvalidPageSize), nil
	}

	infos, err := o.store.List(ctx, "")
	if err != nil {
		return nil, err
	}

	skip := (in.Page - 1) * in.PageSize
	page := ObjectPage{CurrentPage: in.Page, PageSize: in.PageSize, Objects: []ObjectSummary{}}
	for _, info := range infos {
		if !match.name(info.Name) {
			continue
		}
		if info.ContentType == "" {
			stat, err := o.store.Stat(ctx, info.Name)
			if stderrors.Is(err, blobstore.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			info.ContentType = stat.ContentType
		}
		if !strings.HasPrefix(info.ContentType, match.contentType) {
			continue
		}

		page.Total++
		if page.Total > skip && len(page.Objects) < in.PageSize {
			page.Objects = append(page.Objects, ObjectSummary{
				Name:         info.Name,
				Size:         info.Size,
				LastModified: info.LastModified.UTC().Format(time.RFC3339),
				ContentType:  info.ContentType,
			})
		}
	}
	page.TotalPages = (page.Total + in.PageSize - 1) / in.PageSize

	return envelope.NewJSONResponse(page)
}

type filter struct {
	name        func(string) bool
	contentType string
}

func kindFilter(kind string) (filter, bool) {
	switch kind {
	case envelope.TypeJSON:
		return filter{
			name:        func(n string) bool { return strings.HasSuffix(n, ".json") },
			contentType: contentTypeJSON,
		}, true
	case envelope.TypeImage:
		return filter{
			name:        func(n string) bool { return strings.Contains(n, "-") },
			contentType: "image/",
		}, true
	case envelope.TypePDF:
		return filter{
			name:        func(n string) bool { return strings.Contains(n, "-") },
			contentType: contentTypePDF,
		}, true
	default:
		return filter{}, false
	}
}

type getPayload struct {
	ObjectID string `json:"object_id"`
}

// GetObject returns a JSON object decoded, or an upload as hex.
func (o *Objects) GetObject(ctx context.Context, payload envelope.Payload) (*envelope.Response, error) {
	var in getPayload
	if err := payload.Decode(&in); err != nil {
		return envelope.NewErrorResponse("Invalid payload: " + err.Error()), nil
	}
	if in.ObjectID == "" {
		return envelope.NewErrorResponse(ErrTextObjectIDRequired), nil
	}

	obj, err := o.store.Get(ctx, in.ObjectID+".json")
	switch {
	case err == nil:
		var data any
		if err := jsoncodec.Unmarshal(obj.Data, &data); err != nil {
			return nil, fmt.Errorf("decode stored object %s: %w", obj.Name, err)
		}
		return envelope.NewJSONResponse(data)
	case !stderrors.Is(err, blobstore.ErrNotFound):
		return nil, err
	}

	prefix := in.ObjectID + "-"
	infos, err := o.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return envelope.NewErrorResponse(ErrTextObjectNotFound), nil
	}
	obj, err = o.store.Get(ctx, infos[0].Name)
	if stderrors.Is(err, blobstore.ErrNotFound) {
		return envelope.NewErrorResponse(ErrTextObjectNotFound), nil
	}
	if err != nil {
		return nil, err
	}

	return envelope.NewBinaryResponse(binaryKind(obj.ContentType), obj.Data, obj.ContentType, strings.TrimPrefix(obj.Name, prefix)), nil
}

func binaryKind(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return envelope.TypeImage
	case contentType == contentTypePDF:
		return envelope.TypePDF
	default:
		return envelope.TypeBinary
	}
}
