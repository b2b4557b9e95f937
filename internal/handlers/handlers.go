package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Brownie44l1/dcai-classifier/internal/config"
	"github.com/Brownie44l1/dcai-classifier/internal/dataset"
	"github.com/Brownie44l1/dcai-classifier/internal/inference"
	"github.com/Brownie44l1/dcai-classifier/internal/model"
)

const maxUpload = 10 << 20

// Classifier scores preprocessed images.
type Classifier interface {
	PredictPixels(ctx context.Context, images [][]float32) ([][]float64, error)
}

// PixelRequest carries one image already resized to ImageSize x ImageSize,
// RGB values in [0, 255], channels last.
type PixelRequest struct {
	Image []float32 `json:"image"`
}

// PixelResponse is the answer to a PixelRequest.
type PixelResponse struct {
	Label         string             `json:"label"`
	Confidence    float64            `json:"confidence"`
	Probabilities map[string]float64 `json:"probabilities"`
}

type Handler struct {
	classifier Classifier
	cfg        config.Config
}

func NewHandler(classifier Classifier, cfg config.Config) *Handler {
	return &Handler{
		classifier: classifier,
		cfg:        cfg,
	}
}

// Router wires the endpoints behind the CORS middleware.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(CORS)
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/predict", h.Predict).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/predict/image", h.PredictFromImage).Methods(http.MethodPost, http.MethodOptions)
	return r
}

// CORS allows browser clients from any origin and answers preflights.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "healthy",
		"classes": h.cfg.Classes(),
	})
}

func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxUpload))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	var req PixelRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	expectedSize := h.cfg.ImageSize * h.cfg.ImageSize * 3
	if len(req.Image) != expectedSize {
		http.Error(w, fmt.Sprintf("Expected %d values, got %d", expectedSize, len(req.Image)),
			http.StatusBadRequest)
		return
	}

	scores, err := h.score(r.Context(), req.Image)
	if err != nil {
		log.Printf("Prediction error: %v", err)
		http.Error(w, "Prediction failed", http.StatusInternalServerError)
		return
	}

	classes := h.cfg.Classes()
	probs := model.Softmax(scores)
	best := model.Argmax(probs)
	resp := PixelResponse{
		Label:         classes[best],
		Confidence:    probs[best],
		Probabilities: make(map[string]float64, len(classes)),
	}
	for i, c := range classes {
		resp.Probabilities[c] = probs[i]
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// PredictFromImage answers a multipart upload in field "image" with the
// same report document the batch inference command writes.
func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUpload); err != nil {
		http.Error(w, "Failed to parse form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "No image file provided. Use 'image' as the form field name", http.StatusBadRequest)
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Failed to read upload", http.StatusBadRequest)
		return
	}
	log.Printf("Received file: %s, size: %d bytes", header.Filename, len(raw))

	img, err := dataset.DecodeBytes(raw)
	if err != nil {
		http.Error(w, "Invalid image format. Supported: BMP, GIF, JPEG, PNG", http.StatusBadRequest)
		return
	}

	scores, err := h.score(r.Context(), dataset.Preprocess(img, h.cfg.ImageSize, true))
	if err != nil {
		log.Printf("Prediction error: %v", err)
		http.Error(w, "Prediction failed", http.StatusInternalServerError)
		return
	}

	report, err := inference.NewReport(scores, h.cfg.Classes(), inference.HashBytes(raw))
	if err != nil {
		log.Printf("Report error: %v", err)
		http.Error(w, "Prediction failed", http.StatusInternalServerError)
		return
	}
	data, err := report.Marshal()
	if err != nil {
		http.Error(w, "Prediction failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (h *Handler) score(ctx context.Context, pixels []float32) ([]float64, error) {
	out, err := h.classifier.PredictPixels(ctx, [][]float32{pixels})
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%w: %d results for one image", config.ErrConfiguration, len(out))
	}
	return out[0], nil
}
