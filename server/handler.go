package server

import (
	"encoding/base64"
	"image"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/phuslu/log"

	"github.com/knights-analytics/platereader/pipelines"
	"github.com/knights-analytics/platereader/util/imageutil"
)

// Recognizer reads plates from decoded images. *pipelines.PlateRecognitionPipeline implements it.
type Recognizer interface {
	RunWithImages(inputs []image.Image) (*pipelines.PlateRecognitionOutput, error)
}

type RecognitionHandler struct {
	recognizer Recognizer
}

func NewRecognitionHandler(recognizer Recognizer) *RecognitionHandler {
	return &RecognitionHandler{recognizer: recognizer}
}

// Recognize handles POST /v1/recognize.
func (h *RecognitionHandler) Recognize(c *gin.Context) {
	var req RecognizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid payload", Details: err.Error()})
		return
	}

	imageBytes, err := base64.StdEncoding.DecodeString(req.ImageBase64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "image_base64 is not valid base64"})
		return
	}
	if len(imageBytes) == 0 {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "image is empty"})
		return
	}
	img, err := imageutil.DecodeImage(imageBytes)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "image could not be decoded", Details: err.Error()})
		return
	}

	output, err := h.recognizer.RunWithImages([]image.Image{img})
	if err != nil {
		log.Error().Err(err).Int("bytes", len(imageBytes)).Msg("plate recognition failed")
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "recognition failed", Details: err.Error()})
		return
	}
	if len(output.Results) != 1 {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "recognition returned no result"})
		return
	}

	result := output.Results[0]
	response := RecognizeResponse{Plate: result.Plate, Labels: result.Labels}
	if response.Labels == nil {
		response.Labels = []int{}
	}
	if result.Plate == "" {
		response.ErrorMessage = "no plate text recognized"
	}
	c.JSON(http.StatusOK, response)
}

// Health handles GET /healthz.
func (h *RecognitionHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
