package errors_test

import (
	"errors"
	"net/http"
	"testing"

	harverrs "github.com/okewood/harvest/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestEConstructor(t *testing.T) {
	got := harverrs.E(
		"something went wrong",
		harverrs.Detail{Field: "name", Error: "was bad"},
		http.StatusBadRequest,
	)
	want := &harverrs.Error{
		Err: errors.New("something went wrong"),
		Details: []harverrs.Detail{
			{Field: "name", Error: "was bad"},
		},
		Status: http.StatusBadRequest,
	}

	assert.Equal(t, want, got)
}

func TestEDefaultsToInternal(t *testing.T) {
	got := harverrs.E(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, got.Status)
}
