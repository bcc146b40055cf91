package server

// RecognizeRequest carries one cropped plate image, base64 encoded (JPEG, PNG, BMP or WebP).
type RecognizeRequest struct {
	ImageBase64 string `json:"image_base64" binding:"required"`
}

// RecognizeResponse is the decoded plate text and the class indices it was built from.
type RecognizeResponse struct {
	Plate        string `json:"plate"`
	Labels       []int  `json:"labels"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
