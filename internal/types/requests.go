package types

// GenerateRequest is the body of POST /images/{key}.
type GenerateRequest struct {
	Prompt string `json:"prompt" validate:"required,max=4000"`
	Seed   *int64 `json:"seed,omitempty" validate:"omitempty,gte=0"`
	Wait   bool   `json:"wait,omitempty"`
}

// Validate validates the GenerateRequest using the validator.
func (r *GenerateRequest) Validate() error {
	return Validator().Struct(r)
}

// ExperimentRequest is the body of POST /experiments.
type ExperimentRequest struct {
	Key    string `json:"key" validate:"required,key"`
	Prompt string `json:"prompt" validate:"required,max=4000"`
	Seed   *int64 `json:"seed,omitempty" validate:"omitempty,gte=0"`
	Tier   string `json:"tier" validate:"required,oneof=fast medium ultra mq hq uhq"`
}

// Validate validates the ExperimentRequest using the validator.
func (r *ExperimentRequest) Validate() error {
	return Validator().Struct(r)
}

// ImageResult describes a rendered or cached artifact.
type ImageResult struct {
	Key        string `json:"key"`
	Path       string `json:"path,omitempty"`
	Tier       Tier   `json:"tier,omitempty"`
	Seed       *int64 `json:"seed,omitempty"`
	Generating bool   `json:"generating,omitempty"`
	Queued     bool   `json:"queued,omitempty"`
}

// KeyStatus summarizes everything known about one key.
type KeyStatus struct {
	Key         string `json:"key"`
	Tiers       []Tier `json:"tiers"`
	Best        Tier   `json:"best,omitempty"`
	Pending     []Tier `json:"pending"`
	Generating  bool   `json:"generating"`
	Prioritized bool   `json:"prioritized"`
}

// QueueStatus summarizes queue depth, priority markers and worker liveness.
type QueueStatus struct {
	Depth       map[Tier]int `json:"depth"`
	Markers     []string     `json:"markers"`
	WorkerPID   int          `json:"worker_pid,omitempty"`
	WorkerAlive bool         `json:"worker_alive"`
}
