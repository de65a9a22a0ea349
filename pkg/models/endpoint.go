package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// AppConfig is the metadata document served at /config by a prediction app
type AppConfig struct {
	Version      string       `json:"version"`
	EnableQueue  bool         `json:"enable_queue"`
	Components   []Component  `json:"components"`
	Dependencies []Dependency `json:"dependencies"`
}

// Component is one UI/IO component of the app
type Component struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

// DependencyTypes flags how a function produces output
type DependencyTypes struct {
	Continuous bool `json:"continuous"`
	Generator  bool `json:"generator"`
}

// Dependency describes one callable function of the app
type Dependency struct {
	ID        int             `json:"id"`
	APIName   APIName         `json:"api_name"`
	Queue     *bool           `json:"queue"`
	BackendFn bool            `json:"backend_fn"`
	Inputs    []int           `json:"inputs"`
	Outputs   []int           `json:"outputs"`
	Types     DependencyTypes `json:"types"`
}

// APIName is the api_name field of a dependency, which the server sends
// either as a string or as false for functions hidden from the API
type APIName struct {
	Name   string
	Hidden bool
}

// UnmarshalJSON accepts a string, null or false
func (a *APIName) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*a = APIName{}
		return nil
	case bytes.Equal(data, []byte("false")):
		*a = APIName{Hidden: true}
		return nil
	}
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("api_name must be a string or false: %w", err)
	}
	*a = APIName{Name: name}
	return nil
}

// MarshalJSON writes the same shape UnmarshalJSON reads
func (a APIName) MarshalJSON() ([]byte, error) {
	if a.Hidden {
		return []byte("false"), nil
	}
	if a.Name == "" {
		return []byte("null"), nil
	}
	return json.Marshal(a.Name)
}

// Endpoint is the client-side view of a callable function, derived from a
// Dependency and the component types it references
type Endpoint struct {
	FnIndex      int    `json:"fn_index"`
	APIName      string `json:"api_name,omitempty"`
	Hidden       bool   `json:"-"`
	Queued       bool   `json:"queued"`
	Generator    bool   `json:"generator"`
	Continuous   bool   `json:"continuous"`
	InputCount   int    `json:"input_count"`
	OutputCount  int    `json:"output_count"`
	StateInputs  []int  `json:"-"`
	StateOutputs []int  `json:"-"`
}

// TotalInputs returns the number of values sent on the wire, state included
func (e *Endpoint) TotalInputs() int {
	return e.InputCount + len(e.StateInputs)
}
