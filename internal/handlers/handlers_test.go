package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Brownie44l1/dcai-classifier/internal/config"
	"github.com/Brownie44l1/dcai-classifier/internal/inference"
)

type fixedClassifier struct {
	scores []float64
	err    error
	got    [][]float32
}

func (f *fixedClassifier) PredictPixels(ctx context.Context, images [][]float32) ([][]float64, error) {
	f.got = images
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float64, len(images))
	for i := range out {
		out[i] = f.scores
	}
	return out, nil
}

func testHandler(c *fixedClassifier) (*Handler, config.Config) {
	cfg := config.Default()
	cfg.ImageSize = 4
	return NewHandler(c, cfg), cfg
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 5))
	for y := 0; y < 5; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: 10, G: 20, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func upload(t *testing.T, field string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, "img1.png")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(data)
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/predict/image", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestHealth(t *testing.T) {
	h, _ := testHandler(&fixedClassifier{})
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"healthy"`) {
		t.Errorf("body = %s", rec.Body)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestPreflight(t *testing.T) {
	h, _ := testHandler(&fixedClassifier{})
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/predict/image", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "POST, GET, OPTIONS" {
		t.Errorf("allow methods = %q", got)
	}
}

func TestPredictFromImage(t *testing.T) {
	c := &fixedClassifier{scores: []float64{0.1, 0.1, 3, 0.5}}
	h, cfg := testHandler(c)
	raw := pngBytes(t)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, upload(t, "image", raw))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var got inference.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	want := math.Exp(3) / (math.Exp(3) + math.Exp(0.5) + 2*math.Exp(0.1))
	if got.Annotation.Inference.Label != "muffin" || math.Abs(got.Annotation.Inference.Confidence-want) > 1e-12 {
		t.Errorf("inference = %+v", got.Annotation.Inference)
	}
	if got.DataObjectInfo.MD5 != inference.HashBytes(raw) {
		t.Errorf("md5 = %s", got.DataObjectInfo.MD5)
	}
	if len(c.got) != 1 || len(c.got[0]) != cfg.ImageSize*cfg.ImageSize*3 {
		t.Errorf("classifier saw %d images", len(c.got))
	}
}

func TestPredictFromImageErrors(t *testing.T) {
	tests := []struct {
		name  string
		field string
		data  []byte
		err   error
		want  int
	}{
		{"wrong field", "file", nil, nil, http.StatusBadRequest},
		{"not an image", "image", []byte("hello"), nil, http.StatusBadRequest},
		{"model failure", "image", nil, errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.data
			if data == nil {
				data = pngBytes(t)
			}
			h, _ := testHandler(&fixedClassifier{scores: []float64{1, 0, 0, 0}, err: tt.err})
			rec := httptest.NewRecorder()
			h.Router().ServeHTTP(rec, upload(t, tt.field, data))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestPredictPixels(t *testing.T) {
	h, cfg := testHandler(&fixedClassifier{scores: []float64{0, 2, 0, 0}})
	body, _ := json.Marshal(PixelRequest{Image: make([]float32, cfg.ImageSize*cfg.ImageSize*3)})
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp PixelResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Label != "dog" || len(resp.Probabilities) != 4 {
		t.Errorf("resp = %+v", resp)
	}

	rec = httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader(`{"image":[1,2]}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("short image: status = %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h, _ := testHandler(&fixedClassifier{})
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/predict/image", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", rec.Code)
	}
}
