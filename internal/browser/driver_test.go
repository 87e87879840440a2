package browser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseJSON(t *testing.T) {
	r := &Response{URL: "https://portal/x", Status: 200, Body: []byte(`{"success":true,"data":{"n":3}}`)}

	var out struct {
		Success bool `json:"success"`
		Data    struct {
			N int `json:"n"`
		} `json:"data"`
	}
	require.NoError(t, r.JSON(&out))
	assert.True(t, out.Success)
	assert.Equal(t, 3, out.Data.N)
}

func TestResponseJSONReportsURL(t *testing.T) {
	r := &Response{URL: "https://portal/login", Body: []byte("<html>")}
	err := r.JSON(&struct{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "https://portal/login")
}

func TestAtomicHeadersCopies(t *testing.T) {
	var h atomicHeaders
	src := map[string]string{"authorization": "Bearer a"}
	h.Store(src)
	src["authorization"] = "Bearer b"

	got, _ := h.Load().(map[string]string)
	assert.Equal(t, "Bearer a", got["authorization"])
}

func TestContainerName(t *testing.T) {
	assert.Equal(t, "slotcamper-42", ContainerName("42"))
}
