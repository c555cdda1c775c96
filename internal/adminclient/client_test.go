package adminclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportPlayer_SendsExpectedBody(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.ReportPlayer(context.Background(), "reported-uuid", "reporter-uuid", "spam")
	require.NoError(t, err)
	assert.Equal(t, "/report", gotPath)
	assert.Equal(t, "reported-uuid", gotBody["reportedUserUuid"])
}

func TestGetTagsList_DegradesToNilOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL)
	tags := c.GetTagsList(context.Background())
	assert.Nil(t, tags)
}

func TestGetMember_DecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Member{UUID: "u1", Name: "Ada", Tags: []string{"admin"}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	m, err := c.GetMember(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", m.Name)
}
