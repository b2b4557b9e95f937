// Package inference turns model scores into per-image JSON reports.
package inference

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/Brownie44l1/dcai-classifier/internal/config"
	"github.com/Brownie44l1/dcai-classifier/internal/model"
)

// Report is the document written for each image. Field order matches the
// published schema.
type Report struct {
	Annotation     Annotation     `json:"annotation"`
	DataObjectInfo DataObjectInfo `json:"data-object-info"`
}

type Annotation struct {
	Inference Inference `json:"inference"`
}

type Inference struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

type DataObjectInfo struct {
	MD5 string `json:"md5"`
}

// NewReport labels scores with the most probable class and its softmax
// probability.
func NewReport(scores []float64, classes []string, md5hex string) (Report, error) {
	if len(scores) != len(classes) {
		return Report{}, fmt.Errorf("%w: %d scores for %d classes", config.ErrConfiguration, len(scores), len(classes))
	}
	probs := model.Softmax(scores)
	i := model.Argmax(probs)
	return Report{
		Annotation:     Annotation{Inference: Inference{Label: classes[i], Confidence: probs[i]}},
		DataObjectInfo: DataObjectInfo{MD5: md5hex},
	}, nil
}

// Marshal encodes r with four-space indentation.
func (r Report) Marshal() ([]byte, error) {
	return json.MarshalIndent(r, "", "    ")
}

// HashBytes returns the hex MD5 digest of data.
func HashBytes(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// HashFile returns the hex MD5 digest of the file's raw bytes.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", config.ErrIO, err)
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("%w: hash %s: %v", config.ErrIO, path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
