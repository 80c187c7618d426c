package errors

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/render"
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	// Additional fields for extensibility
	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// WriteProblem writes the problem with the RFC 7807 media type.
// chi/render forces application/json, so problem responses bypass it.
func WriteProblem(w http.ResponseWriter, pd *ProblemDetails) {
	body, err := json.Marshal(pd)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(pd.Status)
	w.Write(body)
}

// MarshalJSON custom marshaler to include extensions
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{})

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status

	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	for k, v := range pd.Extensions {
		data[k] = v
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// NewJobBusyProblem reports a single-job trigger rejected because that job
// is still executing.
func NewJobBusyProblem(job, instance string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusConflict,
		"/errors/job-busy",
		"Job Already Running",
		"The requested job is still executing. Wait for it to finish before triggering it again.",
		instance,
	).WithExtension("job", job)
}

// NewPipelineBusyProblem reports a pipeline trigger rejected because a
// refresh run is already in progress.
func NewPipelineBusyProblem(instance string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusConflict,
		"/errors/pipeline-busy",
		"Refresh Already Running",
		"A full pipeline refresh is already in progress.",
		instance,
	)
}

// NewUnknownJobProblem reports a trigger for a job name outside the fixed
// job registry.
func NewUnknownJobProblem(job, instance string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusNotFound,
		"/errors/unknown-job",
		"Unknown Job",
		"No job is registered under the requested name.",
		instance,
	).WithExtension("job", job)
}
