package modelcatalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuild_ShapesEnvelope(t *testing.T) {
	resp := Build([]string{"llama-3-8b", "qwen-14b"}, "kvcacheproxy")

	assert.Equal(t, "list", resp.Object)
	assert.Len(t, resp.Data, 2)
	assert.Equal(t, "llama-3-8b", resp.Data[0].ID)
	assert.Equal(t, "kvcacheproxy", resp.Data[0].OwnedBy)
	assert.Equal(t, "model", resp.Data[0].Object)
}

func TestBuild_EmptyInputYieldsEmptyDataNotNil(t *testing.T) {
	resp := Build(nil, "kvcacheproxy")
	assert.NotNil(t, resp.Data)
	assert.Empty(t, resp.Data)
}
