package telegram

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"postsched/internal/publish"
	logx "postsched/pkg/logx"
)

func newServer(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

// photoUpload is what a sendPhoto request carried.
type photoUpload struct {
	fields    map[string]string
	photo     []byte
	photoType string
	hasName   bool
}

// readUpload walks the multipart body part by part. telebot writes the photo
// with an empty filename, which r.FormFile would not treat as a file.
func readUpload(r *http.Request) (photoUpload, error) {
	up := photoUpload{fields: map[string]string{}}
	mr, err := r.MultipartReader()
	if err != nil {
		return up, err
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return up, nil
		}
		if err != nil {
			return up, err
		}
		b, err := io.ReadAll(part)
		if err != nil {
			return up, err
		}
		if part.FormName() == "photo" {
			up.photo = b
			up.photoType = part.Header.Get("Content-Type")
			up.hasName = strings.Contains(part.Header.Get("Content-Disposition"), "filename=")
			continue
		}
		up.fields[part.FormName()] = string(b)
	}
}

func TestPublish_SendsPhotoWithCaption(t *testing.T) {
	var hits atomic.Int32
	uploads := make(chan photoUpload, 1)
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/botTOKEN/sendPhoto", r.URL.Path)
		up, err := readUpload(r)
		assert.NoError(t, err)
		uploads <- up

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":42,"date":1704099600,"chat":{"id":-100,"type":"channel"},`+
			`"caption":"hello world","photo":[{"file_id":"AgAD","file_unique_id":"u1","width":10,"height":10,"file_size":3}]}}`)
	})

	p := New(Config{ChatID: -100, APIURL: srv.URL}, logx.Nop())
	rc, err := p.Publish(context.Background(), publish.Post{Text: "hello world", Image: []byte("img"), ImageType: "image/png"}, publish.NewCredentials("telegram", "TOKEN"))

	require.NoError(t, err)
	assert.Equal(t, "42", rc.ID)
	assert.Equal(t, "telegram", rc.Provider)
	assert.Equal(t, int64(1704099600), rc.At.Unix())
	assert.Equal(t, int32(1), hits.Load())

	up := <-uploads
	assert.Equal(t, "-100", up.fields["chat_id"])
	assert.Equal(t, "hello world", up.fields["caption"])
	assert.Equal(t, "img", string(up.photo))
	assert.Equal(t, "application/octet-stream", up.photoType)
	assert.True(t, up.hasName, "photo must be sent as a file part")
}

func TestPublish_CachesBotPerToken(t *testing.T) {
	p := New(Config{ChatID: 1}, logx.Nop())

	a, err := p.bot("A")
	require.NoError(t, err)
	b, err := p.bot("A")
	require.NoError(t, err)
	c, err := p.bot("B")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

func TestPublish_RejectsBadInputPermanently(t *testing.T) {
	p := New(Config{ChatID: 1}, logx.Nop())
	creds := publish.NewCredentials("telegram", "TOKEN")

	_, err := p.Publish(context.Background(), publish.Post{Text: "x"}, creds)
	assert.Equal(t, publish.KindPermanent, publish.KindOf(err))

	_, err = p.Publish(context.Background(), publish.Post{Text: strings.Repeat("a", maxCaption+1), Image: []byte("i")}, creds)
	assert.Equal(t, publish.KindPermanent, publish.KindOf(err))

	_, err = p.Publish(context.Background(), publish.Post{Text: "x", Image: []byte("i")}, publish.Credentials{})
	assert.ErrorIs(t, err, publish.ErrNoCredentials)

	noChat := New(Config{}, logx.Nop())
	_, err = noChat.Publish(context.Background(), publish.Post{Text: "x", Image: []byte("i")}, creds)
	assert.Equal(t, publish.KindPermanent, publish.KindOf(err))
}

func TestPublish_ServerErrorsAreTransient(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":false,"error_code":502,"description":"Bad Gateway"}`)
	})
	p := New(Config{ChatID: 1, APIURL: srv.URL}, logx.Nop())

	_, err := p.Publish(context.Background(), publish.Post{Text: "x", Image: []byte("i")}, publish.NewCredentials("telegram", "T"))

	require.Error(t, err)
	assert.Equal(t, publish.KindTransient, publish.KindOf(err))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, publish.KindPermanent, publish.KindOf(classify(tele.ErrUnauthorized)))
	assert.Equal(t, publish.KindTransient, publish.KindOf(classify(tele.NewError(503, "Service Unavailable"))))
	assert.Equal(t, publish.KindPermanent, publish.KindOf(classify(tele.NewError(400, "Bad Request: chat not found"))))
	assert.Equal(t, publish.KindTransient, publish.KindOf(classify(errors.New("telegram: something odd (418)"))))
}

func TestPublish_CanceledContext(t *testing.T) {
	p := New(Config{ChatID: 1}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Publish(ctx, publish.Post{Text: "x", Image: []byte("i")}, publish.NewCredentials("telegram", "T"))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, publish.KindPermanent, publish.KindOf(err))
}
