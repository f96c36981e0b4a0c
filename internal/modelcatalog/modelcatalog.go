// Package modelcatalog shapes the proxy's own model-listing response for
// passthrough_models, per spec.md §4.5/§6.
package modelcatalog

// Info describes a single model, field-for-field matching the teacher's
// pkg/metadata/model.go ModelInfo.
type Info struct {
	ID      string `json:"id"`
	Created int64  `json:"created"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// ListResponse is the OpenAI-compatible model-listing envelope.
type ListResponse struct {
	Object string  `json:"object"`
	Data   []Info  `json:"data"`
}

// Build converts backend-reported model ids into the response envelope,
// adapted from the teacher's BuildModelsResponse with OwnedBy parameterized
// instead of hardcoded to "aibrix".
func Build(modelIDs []string, ownedBy string) ListResponse {
	resp := ListResponse{
		Object: "list",
		Data:   []Info{},
	}
	for _, id := range modelIDs {
		resp.Data = append(resp.Data, Info{
			ID:      id,
			Created: 0,
			Object:  "model",
			OwnedBy: ownedBy,
		})
	}
	return resp
}
