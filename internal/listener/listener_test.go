package listener

import "testing"

func TestParseEvent(t *testing.T) {
	e, err := ParseEvent(`{"id": 42, "job_type": "daily_update"}`)
	if err != nil {
		t.Fatalf("ParseEvent failed: %v", err)
	}
	if e.ID != 42 || e.JobType != "daily_update" {
		t.Errorf("unexpected event %+v", e)
	}

	for _, payload := range []string{"", "not json", `{"job_type": "sync"}`} {
		if _, err := ParseEvent(payload); err == nil {
			t.Errorf("expected error for %q", payload)
		}
	}
}
