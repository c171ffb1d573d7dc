package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/taskforge/taskforge/internal/model"
)

func TestCreateScheduleValid(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := `{"name":"nightly-report","task_name":"generate_report","crontab":"0 2 * * *","kwargs":{"type":"TASK"}}`
	resp, err := http.Post(ts.URL+"/v1/schedules", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /v1/schedules: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var entry model.ScheduleEntry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if entry.Name != "nightly-report" || !entry.Enabled {
		t.Errorf("entry = %+v, want enabled nightly-report", entry)
	}
}

func TestCreateScheduleInvalid(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	cases := []struct {
		name string
		body string
		want int
	}{
		{"both triggers", `{"name":"a","task_name":"noop","crontab":"* * * * *","interval_seconds":60}`, http.StatusBadRequest},
		{"no trigger", `{"name":"b","task_name":"noop"}`, http.StatusBadRequest},
		{"bad crontab", `{"name":"c","task_name":"noop","crontab":"whenever"}`, http.StatusBadRequest},
		{"unknown task", `{"name":"d","task_name":"ghost","crontab":"* * * * *"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/v1/schedules", "application/json", bytes.NewBufferString(tc.body))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestScheduleEnableDisable(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := `{"name":"cleanup","task_name":"noop","interval_seconds":300}`
	resp, _ := http.Post(ts.URL+"/v1/schedules", "application/json", bytes.NewBufferString(body))
	resp.Body.Close()

	req, _ := http.NewRequest("PATCH", ts.URL+"/v1/schedules/cleanup", bytes.NewBufferString(`{"enabled":false}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PATCH: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var entry model.ScheduleEntry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if entry.Enabled {
		t.Error("entry still enabled after PATCH")
	}

	// Disabled entries drop out of the enabled-only listing.
	listResp, err := http.Get(ts.URL + "/v1/schedules?enabled=true")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer listResp.Body.Close()
	var list struct {
		Schedules []*model.ScheduleEntry `json:"schedules"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Schedules) != 0 {
		t.Errorf("enabled schedules = %d, want 0", len(list.Schedules))
	}
}

func TestPatchScheduleNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("PATCH", ts.URL+"/v1/schedules/ghost", bytes.NewBufferString(`{"enabled":true}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PATCH: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
