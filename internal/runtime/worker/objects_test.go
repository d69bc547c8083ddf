package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/objectbridge/internal/runtime/blobstore"
	"github.com/drblury/objectbridge/internal/runtime/envelope"
	"github.com/drblury/objectbridge/internal/runtime/errors"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

func newObjects(t *testing.T) (*Objects, *blobstore.MemoryStore) {
	t.Helper()
	store := blobstore.NewMemoryStore()
	require.NoError(t, store.CreateBucket(context.Background()))

	var seq atomic.Int64
	objects, err := NewObjects(ObjectsOptions{
		Store: store,
		NewID: func() string { return fmt.Sprintf("id%04d", seq.Add(1)) },
	})
	require.NoError(t, err)
	return objects, store
}

func decodeData(t *testing.T, resp *envelope.Response, v any) {
	t.Helper()
	require.NotNil(t, resp)
	require.False(t, resp.IsError(), resp.Error)
	require.NoError(t, resp.DecodeData(v))
}

func TestNewObjectsRequiresStore(t *testing.T) {
	_, err := NewObjects(ObjectsOptions{})
	assert.ErrorIs(t, err, errors.ErrBlobStoreRequired)
}

func TestRegistriesCoverTheClosedSet(t *testing.T) {
	objects, _ := newObjects(t)

	assert.ElementsMatch(t, []string{envelope.EventCreateObject, envelope.EventUploadImage, envelope.EventUploadPDF}, keys(objects.WriteHandlers()))
	assert.ElementsMatch(t, []string{envelope.EventListObjects, envelope.EventGetObject}, keys(objects.ReadHandlers()))
}

func TestCreateObjectStoresJSON(t *testing.T) {
	objects, store := newObjects(t)
	ctx := context.Background()

	resp, err := objects.CreateObject(ctx, envelope.Payload{"data": "hello"})
	require.NoError(t, err)
	var created map[string]string
	decodeData(t, resp, &created)
	assert.Equal(t, "id0001", created["object_id"])

	obj, err := store.Get(ctx, "id0001.json")
	require.NoError(t, err)
	assert.Equal(t, "application/json", obj.ContentType)
	assert.JSONEq(t, `{"data":"hello"}`, string(obj.Data))
}

func TestUploadImageValidatesAndStores(t *testing.T) {
	objects, store := newObjects(t)
	ctx := context.Background()

	resp, err := objects.UploadImage(ctx, envelope.Payload{
		"filename":  "dir/logo.png",
		"content":   envelope.EncodeHex(pngHeader),
		"mime_type": "image/png",
	})
	require.NoError(t, err)
	var uploaded map[string]string
	decodeData(t, resp, &uploaded)
	assert.Equal(t, "id0001", uploaded["object_id"])
	assert.Equal(t, "logo.png", uploaded["filename"])

	obj, err := store.Get(ctx, "id0001-logo.png")
	require.NoError(t, err)
	assert.Equal(t, pngHeader, obj.Data)
	assert.Equal(t, "image/png", obj.ContentType)
}

func TestUploadRejectsBadInput(t *testing.T) {
	objects, store := newObjects(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		handler Handler
		payload envelope.Payload
		want    string
	}{
		{"pdf as image", objects.UploadImage, envelope.Payload{"filename": "a.pdf", "content": "00", "mime_type": "application/pdf"}, "Invalid file type. Expected image, got application/pdf"},
		{"image as pdf", objects.UploadPDF, envelope.Payload{"filename": "a.png", "content": "00", "mime_type": "image/png"}, "Invalid file type. Expected PDF, got image/png"},
		{"missing filename", objects.UploadPDF, envelope.Payload{"content": "00", "mime_type": "application/pdf"}, ErrTextFilenameRequired},
		{"bad hex", objects.UploadPDF, envelope.Payload{"filename": "a.pdf", "content": "zz", "mime_type": "application/pdf"}, "Invalid content"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := tt.handler(ctx, tt.payload)
			require.NoError(t, err)
			require.True(t, resp.IsError())
			assert.Contains(t, resp.Error, tt.want)
		})
	}

	infos, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func seed(t *testing.T, store blobstore.Store) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		require.NoError(t, store.Put(ctx, fmt.Sprintf("json-%d.json", i), []byte(`{"n":1}`), "application/json"))
	}
	require.NoError(t, store.Put(ctx, "img1-a.png", pngHeader, "image/png"))
	require.NoError(t, store.Put(ctx, "img2-b.jpg", []byte{0xff, 0xd8}, "image/jpeg"))
	require.NoError(t, store.Put(ctx, "doc1-c.pdf", []byte("%PDF-1.4"), "application/pdf"))
}

func TestListObjectsFiltersAndPaginates(t *testing.T) {
	objects, store := newObjects(t)
	seed(t, store)
	ctx := context.Background()

	resp, err := objects.ListObjects(ctx, envelope.Payload{"type": "json", "page": 2, "page_size": 2})
	require.NoError(t, err)
	var page ObjectPage
	decodeData(t, resp, &page)
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 3, page.TotalPages)
	assert.Equal(t, 2, page.CurrentPage)
	assert.Equal(t, 2, page.PageSize)
	require.Len(t, page.Objects, 2)
	assert.Equal(t, "json-3.json", page.Objects[0].Name)
	assert.Equal(t, "json-4.json", page.Objects[1].Name)
	assert.Equal(t, "application/json", page.Objects[0].ContentType)
	assert.NotEmpty(t, page.Objects[0].LastModified)

	resp, err = objects.ListObjects(ctx, envelope.Payload{"type": "image"})
	require.NoError(t, err)
	decodeData(t, resp, &page)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, 1, page.TotalPages)
	assert.Equal(t, 10, page.PageSize)
	assert.Equal(t, []string{"img1-a.png", "img2-b.jpg"}, []string{page.Objects[0].Name, page.Objects[1].Name})

	resp, err = objects.ListObjects(ctx, envelope.Payload{"type": "pdf", "page": 3})
	require.NoError(t, err)
	decodeData(t, resp, &page)
	assert.Equal(t, 1, page.Total)
	assert.Empty(t, page.Objects)
}

func TestListObjectsRejectsBadInput(t *testing.T) {
	objects, _ := newObjects(t)
	ctx := context.Background()

	tests := []struct {
		payload envelope.Payload
		want    string
	}{
		{envelope.Payload{"type": "video"}, ErrTextInvalidType},
		{envelope.Payload{}, ErrTextInvalidType},
		{envelope.Payload{"type": "json", "page": 0}, ErrTextInvalidPage},
		{envelope.Payload{"type": "json", "page_size": 101}, ErrTextInvalidPageSize},
		{envelope.Payload{"type": "json", "page_size": 0}, ErrTextInvalidPageSize},
	}
	for _, tt := range tests {
		resp, err := objects.ListObjects(ctx, tt.payload)
		require.NoError(t, err)
		assert.Equal(t, tt.want, resp.Error)
	}
}

func TestGetObject(t *testing.T) {
	objects, store := newObjects(t)
	seed(t, store)
	ctx := context.Background()

	resp, err := objects.GetObject(ctx, envelope.Payload{"object_id": "json-2"})
	require.NoError(t, err)
	assert.Equal(t, envelope.TypeJSON, resp.Type)
	assert.JSONEq(t, `{"n":1}`, string(resp.Data))

	resp, err = objects.GetObject(ctx, envelope.Payload{"object_id": "img1"})
	require.NoError(t, err)
	assert.Equal(t, envelope.TypeImage, resp.Type)
	assert.Equal(t, "image/png", resp.MimeType)
	assert.Equal(t, "a.png", resp.Filename)
	content, err := resp.Bytes()
	require.NoError(t, err)
	assert.Equal(t, pngHeader, content)

	resp, err = objects.GetObject(ctx, envelope.Payload{"object_id": "doc1"})
	require.NoError(t, err)
	assert.Equal(t, envelope.TypePDF, resp.Type)
	assert.Equal(t, "c.pdf", resp.Filename)

	resp, err = objects.GetObject(ctx, envelope.Payload{"object_id": "nope"})
	require.NoError(t, err)
	assert.Equal(t, ErrTextObjectNotFound, resp.Error)

	resp, err = objects.GetObject(ctx, envelope.Payload{})
	require.NoError(t, err)
	assert.Equal(t, ErrTextObjectIDRequired, resp.Error)
}

func TestGetObjectSurfacesStoreFailures(t *testing.T) {
	objects, err := NewObjects(ObjectsOptions{Store: blobstore.NewMemoryStore()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = objects.GetObject(ctx, envelope.Payload{"object_id": "x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func keys(r Registry) []string {
	out := make([]string, 0, len(r))
	for k := range r {
		out = append(out, k)
	}
	return out
}
