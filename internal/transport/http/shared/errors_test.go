package shared

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "verity/pkg/domain-errors"
)

func TestToHTTPStatus(t *testing.T) {
	cases := map[dErrors.Code]int{
		dErrors.CodeInvalidInput:       http.StatusBadRequest,
		dErrors.CodeSchemaUnknown:      http.StatusUnprocessableEntity,
		dErrors.CodeNotFound:           http.StatusNotFound,
		dErrors.CodeConflict:           http.StatusConflict,
		dErrors.CodeInvariantViolation: http.StatusInternalServerError,
		dErrors.CodeConfiguration:      http.StatusInternalServerError,
		dErrors.CodeUnavailable:        http.StatusServiceUnavailable,
		dErrors.CodeInternal:           http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, ToHTTPStatus(code), "code %s", code)
	}
	assert.Equal(t, http.StatusInternalServerError, ToHTTPStatus("unmapped"))
}

func TestWriteError(t *testing.T) {
	t.Run("coded error carries code and message", func(t *testing.T) {
		rr := httptest.NewRecorder()
		WriteError(rr, dErrors.New(dErrors.CodeConflict, "entity is already merged"))

		assert.Equal(t, http.StatusConflict, rr.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, "conflict", body["error"])
		assert.Equal(t, "entity is already merged", body["message"])
	})

	t.Run("uncoded error stays opaque", func(t *testing.T) {
		rr := httptest.NewRecorder()
		WriteError(rr, errors.New("pq: connection refused"))

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, "internal", body["error"])
		assert.Empty(t, body["message"])
	})
}
