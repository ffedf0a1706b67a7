package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDeploy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/deploy" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["PROJECT_ID"] != "demo-1" || body["USER_GIT_REPOSITORY_URL"] != "https://github.com/acme/site" {
			t.Errorf("unexpected body %v", body)
		}
		_ = json.NewEncoder(w).Encode(DeployResponse{Message: "Deployment started successfully", ProjectID: "demo-1", TaskArn: "arn:task"})
	}))
	defer srv.Close()

	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	resp, err := cli.Deploy(context.Background(), "demo-1", "https://github.com/acme/site")
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if resp.TaskArn != "arn:task" || resp.ProjectID != "demo-1" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestDeployReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"a deployment for this project is already in progress"}`))
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	_, err := cli.Deploy(context.Background(), "demo-1", "https://github.com/acme/site")
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.Message != "a deployment for this project is already in progress" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestNewNormalisesBaseURL(t *testing.T) {
	cli, err := New("localhost:4571/")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if cli.BaseURL() != "http://localhost:4571" {
		t.Fatalf("unexpected base url %q", cli.BaseURL())
	}
}
