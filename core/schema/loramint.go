// Package schema holds the JSON types of the HTTP API.
package schema

// LoraReference selects a trained adapter file and its blend strength.
type LoraReference struct {
	File     string  `json:"file"`
	Strength float64 `json:"strength"`
}

type GenerateRequest struct {
	Prompt string          `json:"prompt"`
	UserID string          `json:"userId"`
	Loras  []LoraReference `json:"loras,omitempty"`
}

type GenerateResponse struct {
	Success   bool   `json:"success"`
	ImagePath string `json:"image_path,omitempty"`
	Message   string `json:"message,omitempty"`
}

type TrainResponse struct {
	Success     bool   `json:"success"`
	LoraPath    string `json:"lora_path,omitempty"`
	TriggerWord string `json:"trigger_word,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Progress event kinds. Every streamed operation ends with exactly one
// terminal event, either EventComplete or EventError.
const (
	EventProgress = "progress"
	EventComplete = "complete"
	EventError    = "error"
)

// ProgressEvent is one frame of a server-sent-event stream. Created per
// milestone, enqueued immediately, never mutated afterwards.
type ProgressEvent struct {
	Event       string  `json:"event"`
	ModelID     string  `json:"model_id,omitempty"`
	Phase       string  `json:"phase,omitempty"`
	Step        int     `json:"step,omitempty"`
	TotalSteps  int     `json:"total_steps,omitempty"`
	Percentage  float64 `json:"percentage,omitempty"`
	Loss        float64 `json:"loss,omitempty"`
	Message     string  `json:"message,omitempty"`
	ImagePath   string  `json:"image_path,omitempty"`
	LoraPath    string  `json:"lora_path,omitempty"`
	TriggerWord string  `json:"trigger_word,omitempty"`
	Error       string  `json:"error,omitempty"`
	Success     bool    `json:"success"`
}

// Terminal reports whether the event ends its stream.
func (e ProgressEvent) Terminal() bool {
	return e.Event == EventComplete || e.Event == EventError
}

type LoraInfo struct {
	Filename    string  `json:"filename"`
	Path        string  `json:"path"`
	SizeMB      float64 `json:"size_mb"`
	Created     string  `json:"created"`
	TriggerWord string  `json:"trigger_word"`
	LoraRank    string  `json:"lora_rank"`
}

type ImageInfo struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
	Created  string `json:"created"`
}

type ListLorasResponse struct {
	Success bool       `json:"success"`
	Loras   []LoraInfo `json:"loras"`
}

type ListImagesResponse struct {
	Success bool        `json:"success"`
	Images  []ImageInfo `json:"images"`
}

type HealthResponse struct {
	Status       string `json:"status"`
	GPUAvailable bool   `json:"gpu_available"`
}

type APIError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type ErrorResponse struct {
	Error *APIError `json:"error,omitempty"`
}

type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
