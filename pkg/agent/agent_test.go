package agent

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestUploadTarChunksAndReassembles(t *testing.T) {
	var gotChunks [][]byte
	var lastTotal int

	srv := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req uploadChunkRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		data, err := base64.StdEncoding.DecodeString(req.ChunkData)
		require.NoError(t, err)
		gotChunks = append(gotChunks, data)
		lastTotal = req.TotalChunks

		status := "chunk_received"
		if req.ChunkIndex == req.TotalChunks-1 {
			status = "complete"
		}
		_ = json.NewEncoder(w).Encode(uploadChunkResponse{Status: status})
	})

	archive := make([]byte, ChunkSize*2+100)
	for i := range archive {
		archive[i] = byte(i % 251)
	}

	port := serverPort(t, srv)
	c := NewClient(port, zerolog.Nop())
	err := c.UploadTar(t.Context(), "127.0.0.1", archive, "/local/app")
	require.NoError(t, err)

	assert.Equal(t, 3, lastTotal)
	assert.Len(t, gotChunks, 3)

	reassembled := append(append(append([]byte{}, gotChunks[0]...), gotChunks[1]...), gotChunks[2]...)
	assert.Equal(t, archive, reassembled)
}

func TestListContainers(t *testing.T) {
	srv := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]string{{"name": "app_prod_api", "status": "running"}})
	})
	port := serverPort(t, srv)
	c := NewClient(port, zerolog.Nop())

	containers, err := c.ListContainers(t.Context(), "127.0.0.1")
	require.NoError(t, err)
	require.Len(t, containers, 1)
	assert.Equal(t, "app_prod_api", containers[0].Name)
}

func TestPermanentErrorNotRetried(t *testing.T) {
	calls := 0
	srv := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	})
	port := serverPort(t, srv)
	c := NewClient(port, zerolog.Nop())

	err := c.RunContainer(t.Context(), "127.0.0.1", testSpec())
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
