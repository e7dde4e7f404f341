package servermgr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/leapstack-labs/leapflow/pkg/core"
)

type openRequest struct {
	URL      string         `json:"url"`
	Ordering *core.Ordering `json:"ordering,omitempty"`
}

type openResponse struct {
	ID        string `json:"id"`
	ServerURL string `json:"server_url"`
}

type quickCheckoutRequest struct {
	URL      string         `json:"url"`
	Ordering *core.Ordering `json:"ordering,omitempty"`
	// Holder is the server id of a session that may still hold the queue.
	Holder string `json:"holder,omitempty"`
}

type checkoutRequest struct {
	Final bool `json:"final"`
}

type importRequest struct {
	Data       *core.Data `json:"data"`
	OnConflict string     `json:"on_conflict"`
}

type importResponse struct {
	Count  int      `json:"count"`
	Errors []string `json:"errors,omitempty"`
}

type commitRequest struct {
	Message string `json:"message"`
}

// Status describes one open database server.
type Status struct {
	URL     string `json:"url"`
	Pending bool   `json:"pending"`
	Holder  string `json:"holder,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// maxBody bounds request bodies; imports carry whole data sets.
const maxBody = 512 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// RemoteError is an error reported by the server manager.
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("server manager: %s (status %d)", e.Message, e.Status)
}

func decodeError(resp *http.Response) error {
	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}
	return &RemoteError{Status: resp.StatusCode, Message: body.Error}
}

// IsRemote reports whether err came from the server manager rather than the transport.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
