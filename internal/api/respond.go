package api

import (
	"encoding/json"
	"net/http"

	"github.com/untoldecay/treeline/internal/assess"
)

// problem is the error payload served on every non-2xx response.
type problem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Status int    `json:"status"`
	// Assessment accompanies submission rejections so clients can show the
	// blocker or re-prompt for warning acknowledgement without a second
	// dry-run call.
	Assessment *assess.View `json:"assessment,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Encoding failures past this point cannot be reported to the client;
	// the handler already committed the status line.
	_ = json.NewEncoder(w).Encode(payload)
}

func writeProblem(w http.ResponseWriter, p problem) {
	writeJSON(w, p.Status, p)
}

func badRequest(w http.ResponseWriter, title, detail string) {
	writeProblem(w, problem{Title: title, Detail: detail, Status: http.StatusBadRequest})
}

func notFound(w http.ResponseWriter, detail string) {
	writeProblem(w, problem{Title: "Not Found", Detail: detail, Status: http.StatusNotFound})
}

func badGateway(w http.ResponseWriter, detail string) {
	writeProblem(w, problem{Title: "Review Service Unavailable", Detail: detail, Status: http.StatusBadGateway})
}

func internalError(w http.ResponseWriter) {
	writeProblem(w, problem{
		Title:  "Internal Server Error",
		Detail: "The landing service hit an unexpected error. Try again later.",
		Status: http.StatusInternalServerError,
	})
}
