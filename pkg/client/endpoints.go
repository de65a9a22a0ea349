package client

import (
	"fmt"
	"strings"

	"github.com/mimir-aip/predict-client/pkg/models"
)

// layoutComponents group other components and carry no value of their own
var layoutComponents = map[string]bool{
	"row":       true,
	"column":    true,
	"group":     true,
	"box":       true,
	"form":      true,
	"tabs":      true,
	"tab":       true,
	"tabitem":   true,
	"accordion": true,
}

// buildEndpoints derives the callable endpoints from an app config
func buildEndpoints(cfg *models.AppConfig) []models.Endpoint {
	kinds := make(map[int]string, len(cfg.Components))
	for _, c := range cfg.Components {
		kinds[c.ID] = strings.ToLower(c.Type)
	}

	endpoints := make([]models.Endpoint, 0, len(cfg.Dependencies))
	for i, dep := range cfg.Dependencies {
		ep := models.Endpoint{
			FnIndex:    i,
			Hidden:     dep.APIName.Hidden || !dep.BackendFn,
			Queued:     cfg.EnableQueue,
			Generator:  dep.Types.Generator,
			Continuous: dep.Types.Continuous,
		}
		if dep.Queue != nil {
			ep.Queued = *dep.Queue
		}
		if dep.APIName.Name != "" {
			ep.APIName = "/" + strings.TrimPrefix(dep.APIName.Name, "/")
		}

		for pos, id := range dep.Inputs {
			if kinds[id] == "state" {
				ep.StateInputs = append(ep.StateInputs, pos)
				continue
			}
			ep.InputCount++
		}
		for pos, id := range dep.Outputs {
			if kinds[id] == "state" || layoutComponents[kinds[id]] {
				ep.StateOutputs = append(ep.StateOutputs, pos)
				continue
			}
			ep.OutputCount++
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints
}

// resolve picks the endpoint a request addresses
func resolve(endpoints []models.Endpoint, req models.PredictionRequest) (models.Endpoint, error) {
	switch {
	case req.APIName != "":
		for _, ep := range endpoints {
			if !ep.Hidden && ep.APIName == req.APIName {
				return ep, nil
			}
		}
		if !strings.HasPrefix(req.APIName, "/") {
			return models.Endpoint{}, fmt.Errorf("%w: cannot find a function with `api_name`: %s. Did you mean to use a leading slash?", ErrEndpointNotFound, req.APIName)
		}
		return models.Endpoint{}, fmt.Errorf("%w: cannot find a function with `api_name`: %s", ErrEndpointNotFound, req.APIName)

	case req.FnIndex != nil:
		idx := *req.FnIndex
		if idx < 0 || idx >= len(endpoints) {
			return models.Endpoint{}, fmt.Errorf("%w: no function with fn_index %d", ErrEndpointNotFound, idx)
		}
		if endpoints[idx].Hidden {
			return models.Endpoint{}, fmt.Errorf("%w: fn_index %d", ErrHiddenEndpoint, idx)
		}
		return endpoints[idx], nil

	default:
		var visible []models.Endpoint
		for _, ep := range endpoints {
			if !ep.Hidden {
				visible = append(visible, ep)
			}
		}
		if len(visible) == 1 {
			return visible[0], nil
		}
		return models.Endpoint{}, fmt.Errorf("%w: this app might have multiple endpoints. Please specify an `api_name` or `fn_index`", ErrAmbiguousEndpoint)
	}
}

// wireData checks the argument count and places args around the state
// inputs, which the server fills from the session
func wireData(ep models.Endpoint, args []any) ([]any, error) {
	if len(args) != ep.InputCount {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrArgumentCount, ep.InputCount, len(args))
	}

	data := make([]any, 0, ep.TotalInputs())
	next := 0
	state := 0
	for pos := 0; pos < ep.TotalInputs(); pos++ {
		if state < len(ep.StateInputs) && ep.StateInputs[state] == pos {
			data = append(data, nil)
			state++
			continue
		}
		data = append(data, args[next])
		next++
	}
	return data, nil
}
