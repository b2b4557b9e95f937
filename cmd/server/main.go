package main

import (
	"log"
	"net/http"

	"github.com/Brownie44l1/dcai-classifier/internal/config"
	"github.com/Brownie44l1/dcai-classifier/internal/handlers"
	"github.com/Brownie44l1/dcai-classifier/internal/model"
)

func main() {
	cfg := config.FromEnv()

	log.Printf("Loading backbone from: %s", cfg.Backbone.ModelPath)

	backbone, err := model.NewONNXBackbone(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize backbone: %v", err)
	}
	m, err := model.Build(cfg, backbone)
	if err != nil {
		backbone.Close()
		log.Fatalf("Failed to build model: %v", err)
	}
	defer m.Close()

	ckpt, err := model.ReadCheckpoint(cfg.CheckpointPath)
	if err != nil {
		log.Fatalf("Failed to read checkpoint: %v", err)
	}
	if err := m.LoadCheckpoint(ckpt); err != nil {
		log.Fatalf("Failed to load checkpoint: %v", err)
	}

	handler := handlers.NewHandler(m, cfg)

	log.Printf("Server starting on port %s", cfg.Port)
	log.Printf("Checkpoint: %s (run %s, epoch %d, val acc %.4f)", cfg.CheckpointPath, ckpt.RunID, ckpt.Epoch, ckpt.ValAccuracy)
	log.Printf("Classes: %v", cfg.Classes())
	log.Println("Endpoints:")
	log.Println("  GET  /health        - Health check")
	log.Println("  POST /predict       - Raw pixel array prediction")
	log.Println("  POST /predict/image - Predict from image upload")
	log.Printf("Upload test: curl -X POST -F \"image=@cat.jpg\" http://localhost:%s/predict/image", cfg.Port)

	if err := http.ListenAndServe(":"+cfg.Port, handler.Router()); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
