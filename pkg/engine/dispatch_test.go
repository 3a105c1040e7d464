package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/api/googleapi"

	"github.com/harrisonrobin/tasksync/pkg/model"
	"github.com/harrisonrobin/tasksync/pkg/store"
)

type statusCoded struct{ code int }

func (e statusCoded) Error() string   { return "coded" }
func (e statusCoded) StatusCode() int { return e.code }

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"google 429", &googleapi.Error{Code: 429}, true},
		{"google 503", &googleapi.Error{Code: 503}, true},
		{"google 404", &googleapi.Error{Code: 404}, false},
		{"google 400", &googleapi.Error{Code: 400}, false},
		{"coded 429", statusCoded{429}, true},
		{"coded 500", statusCoded{500}, true},
		{"coded 409", statusCoded{409}, false},
		{"wrapped retryable", fmt.Errorf("insert task: %w", &googleapi.Error{Code: 500}), true},
		{"plain", errors.New("boom"), false},
	}
	for _, c := range cases {
		if got := Retryable(c.err); got != c.want {
			t.Errorf("%s: Retryable = %v, want %v", c.name, got, c.want)
		}
	}
}

// flakyClient fails a fixed number of times before succeeding.
type flakyClient struct {
	fakeStore
	failures int
	calls    int
	err      error
}

func (f *flakyClient) Create(ctx context.Context, rec model.TaskRecord) (string, error) {
	f.calls++
	if f.calls <= f.failures {
		return "", f.err
	}
	return "id-1", nil
}

func TestDispatcherRetriesTransientFailures(t *testing.T) {
	d := &liveDispatcher{log: testLog}
	c := &flakyClient{failures: 2, err: &googleapi.Error{Code: 503}}

	id, err := d.Create(context.Background(), c, model.TaskRecord{})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if id != "id-1" || c.calls != 3 {
		t.Errorf("expected success on attempt 3, got id=%s calls=%d", id, c.calls)
	}
}

func TestDispatcherGivesUpAfterBudget(t *testing.T) {
	d := &liveDispatcher{log: testLog}
	c := &flakyClient{failures: 10, err: &googleapi.Error{Code: 503}}

	if _, err := d.Create(context.Background(), c, model.TaskRecord{}); err == nil {
		t.Fatal("expected failure after retry budget")
	}
	if c.calls != writeAttempts {
		t.Errorf("expected %d attempts, got %d", writeAttempts, c.calls)
	}
}

func TestDispatcherDoesNotRetryPermanentFailures(t *testing.T) {
	d := &liveDispatcher{log: testLog}
	c := &flakyClient{failures: 10, err: &googleapi.Error{Code: 400}}

	if _, err := d.Create(context.Background(), c, model.TaskRecord{}); err == nil {
		t.Fatal("expected failure")
	}
	if c.calls != 1 {
		t.Errorf("permanent failures must not retry, got %d calls", c.calls)
	}
}

var _ store.Client = (*flakyClient)(nil)
