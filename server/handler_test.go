package server

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/platereader/pipelines"
)

type fakeRecognizer struct {
	result pipelines.PlateRecognitionResult
	err    error
	seen   []image.Image
}

func (f *fakeRecognizer) RunWithImages(inputs []image.Image) (*pipelines.PlateRecognitionOutput, error) {
	f.seen = append(f.seen, inputs...)
	if f.err != nil {
		return nil, f.err
	}
	return &pipelines.PlateRecognitionOutput{Results: []pipelines.PlateRecognitionResult{f.result}}, nil
}

func init() {
	gin.SetMode(gin.TestMode)
}

func pngBase64(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 94, 24))))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func post(t *testing.T, router http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/recognize", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRecognize(t *testing.T) {
	fake := &fakeRecognizer{result: pipelines.PlateRecognitionResult{Plate: "皖A12345", Labels: []int{12, 41, 32, 33, 34, 35, 36}}}
	router := NewRouter(fake)

	w := post(t, router, `{"image_base64":"`+pngBase64(t)+`"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var response RecognizeResponse
	require.NoError(t, jsoniter.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "皖A12345", response.Plate)
	assert.Equal(t, []int{12, 41, 32, 33, 34, 35, 36}, response.Labels)
	assert.Empty(t, response.ErrorMessage)
	require.Len(t, fake.seen, 1)
	assert.Equal(t, 94, fake.seen[0].Bounds().Dx())
}

func TestRecognizeEmptyPlate(t *testing.T) {
	router := NewRouter(&fakeRecognizer{})
	w := post(t, router, `{"image_base64":"`+pngBase64(t)+`"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"plate":"","labels":[],"error_message":"no plate text recognized"}`, w.Body.String())
}

func TestRecognizeBadRequests(t *testing.T) {
	router := NewRouter(&fakeRecognizer{})
	for name, body := range map[string]string{
		"not json":      `{`,
		"missing field": `{}`,
		"bad base64":    `{"image_base64":"%%%"}`,
		"not an image":  `{"image_base64":"` + base64.StdEncoding.EncodeToString([]byte("hello")) + `"}`,
	} {
		t.Run(name, func(t *testing.T) {
			w := post(t, router, body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

func TestRecognizeFailure(t *testing.T) {
	router := NewRouter(&fakeRecognizer{err: errors.New("shape error")})
	w := post(t, router, `{"image_base64":"`+pngBase64(t)+`"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "shape error")
}

func TestHealth(t *testing.T) {
	router := NewRouter(&fakeRecognizer{})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}
