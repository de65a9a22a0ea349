package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseArgs(t *testing.T) {
	got := parseArgs([]string{"5", "add", `"quoted"`, "true", `{"a":1}`, "[1,2]", "null", "not json"})
	assert.Equal(t, []any{
		5.0,
		"add",
		"quoted",
		true,
		map[string]any{"a": 1.0},
		[]any{1.0, 2.0},
		nil,
		"not json",
	}, got)
}

func TestBuildRequest(t *testing.T) {
	req := buildRequest("/predict", -1, []string{"1"})
	assert.Equal(t, "/predict", req.APIName)
	assert.Nil(t, req.FnIndex)

	req = buildRequest("", 2, nil)
	if assert.NotNil(t, req.FnIndex) {
		assert.Equal(t, 2, *req.FnIndex)
	}
	assert.Empty(t, req.Data)
}

func TestRunRequiresCommand(t *testing.T) {
	assert.Error(t, run(nil))
	assert.NoError(t, run([]string{"version"}))

	t.Setenv("PREDICT_SRC", "")
	err := run([]string{"endpoints"})
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "src is required")
	}
}
