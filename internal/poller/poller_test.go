package poller

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/eencloud/goeen/log"

	"github.com/hypernovalabs/yp-qr-sub000/internal/gateway"
)

// scripted gateway: one entry per GetStatus call.
type scriptStep struct {
	status string
	err    error
}

type scriptedClient struct {
	mu          sync.Mutex
	steps       []scriptStep
	statusCalls int
	cancelCalls int
	cancelReply *gateway.StatusReply
	cancelErr   error
}

func (s *scriptedClient) GetStatus(ctx context.Context, token, txnID string) (*gateway.StatusReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusCalls++
	if len(s.steps) == 0 {
		return &gateway.StatusReply{Status: gateway.StatusPending, HTTPStatus: 200}, nil
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	if step.err != nil {
		return nil, step.err
	}
	return &gateway.StatusReply{Status: step.status, HTTPStatus: 200}, nil
}

func (s *scriptedClient) Cancel(ctx context.Context, token, txnID string) (*gateway.StatusReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelCalls++
	if s.cancelErr != nil {
		return nil, s.cancelErr
	}
	if s.cancelReply != nil {
		return s.cancelReply, nil
	}
	return &gateway.StatusReply{Status: gateway.StatusCancelled, HTTPStatus: 200}, nil
}

func testLogger() *log.Logger {
	return log.NewContext(io.Discard, "", log.LevelError).GetLogger("test", log.LevelError)
}

// newFastPoller returns a poller whose sleeps record the interval instead
// of waiting.
func newFastPoller(client StatusClient, snapshots chan<- Snapshot) (*Poller, *[]time.Duration) {
	p := New(client, Config{}, snapshots, testLogger())
	var slept []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) bool {
		if ctx.Err() != nil {
			return false
		}
		slept = append(slept, d)
		return true
	}
	return p, &slept
}

func TestTerminatesAtAttemptK(t *testing.T) {
	transportErr := &gateway.Error{Kind: gateway.KindNetwork, Op: "get_status"}

	for _, k := range []int{1, 3, 7, 12} {
		var steps []scriptStep
		for i := 1; i < k; i++ {
			if i%2 == 0 {
				steps = append(steps, scriptStep{err: transportErr})
			} else {
				steps = append(steps, scriptStep{status: gateway.StatusPending})
			}
		}
		steps = append(steps, scriptStep{status: gateway.StatusCompleted})

		client := &scriptedClient{steps: steps}
		p, _ := newFastPoller(client, nil)

		outcome := p.Run(context.Background(), "tok", "gw-1")

		if outcome.Status != StatusCompleted {
			t.Errorf("k=%d: status got %s, want COMPLETED", k, outcome.Status)
		}
		if outcome.Attempts != k {
			t.Errorf("k=%d: attempts got %d", k, outcome.Attempts)
		}
		if client.statusCalls != k {
			t.Errorf("k=%d: poller must issue no further requests, got %d calls", k, client.statusCalls)
		}
	}
}

func TestFailureExits(t *testing.T) {
	tests := []struct {
		status string
		want   Status
	}{
		{gateway.StatusCancelled, StatusCancelled},
		{gateway.StatusFailed, StatusFailed},
		{gateway.StatusExpired, StatusExpired},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			client := &scriptedClient{steps: []scriptStep{{status: tt.status}}}
			p, _ := newFastPoller(client, nil)

			outcome := p.Run(context.Background(), "tok", "gw-1")
			if outcome.Status != tt.want {
				t.Errorf("got %s, want %s", outcome.Status, tt.want)
			}
			if outcome.Status.Success() {
				t.Error("must be a failure exit")
			}
		})
	}
}

func TestMaxRetriesWithMonotonicBackoff(t *testing.T) {
	transportErr := &gateway.Error{Kind: gateway.KindTimeout, Op: "get_status"}
	var steps []scriptStep
	for i := 0; i < 12; i++ {
		steps = append(steps, scriptStep{err: transportErr})
	}
	client := &scriptedClient{steps: steps}
	p, slept := newFastPoller(client, nil)

	outcome := p.Run(context.Background(), "tok", "gw-1")

	if outcome.Status != StatusMaxRetriesReached {
		t.Fatalf("status: got %s, want MAX_RETRIES_REACHED", outcome.Status)
	}
	if outcome.Attempts != 12 || client.statusCalls != 12 {
		t.Errorf("attempts: got %d (%d calls), want 12", outcome.Attempts, client.statusCalls)
	}
	if outcome.LastErr == nil {
		t.Error("cap exhaustion on errors must carry the last transport error")
	}

	// 11 sleeps between 12 attempts; non-decreasing, capped at 15s.
	if len(*slept) != 11 {
		t.Fatalf("sleeps: got %d, want 11", len(*slept))
	}
	prev := time.Duration(0)
	for i, d := range *slept {
		if d < prev {
			t.Errorf("interval decreased at %d: %s < %s", i, d, prev)
		}
		if d > 15*time.Second {
			t.Errorf("interval exceeds ceiling at %d: %s", i, d)
		}
		prev = d
	}
	if (*slept)[0] != 7500*time.Millisecond {
		t.Errorf("first error-grown interval: got %s, want 7.5s", (*slept)[0])
	}
	if (*slept)[10] != 15*time.Second {
		t.Errorf("final interval: got %s, want 15s ceiling", (*slept)[10])
	}
}

func TestIntervalDoesNotResetOnSuccess(t *testing.T) {
	transportErr := &gateway.Error{Kind: gateway.KindNetwork, Op: "get_status"}
	client := &scriptedClient{steps: []scriptStep{
		{err: transportErr},
		{status: gateway.StatusPending},
		{status: gateway.StatusPending},
		{status: gateway.StatusCompleted},
	}}
	p, slept := newFastPoller(client, nil)

	_ = p.Run(context.Background(), "tok", "gw-1")

	// After the error the interval grows to 7.5s and stays there through
	// the successful polls.
	want := []time.Duration{7500 * time.Millisecond, 7500 * time.Millisecond, 7500 * time.Millisecond}
	if len(*slept) != len(want) {
		t.Fatalf("sleeps: got %v", *slept)
	}
	for i := range want {
		if (*slept)[i] != want[i] {
			t.Errorf("sleep %d: got %s, want %s", i, (*slept)[i], want[i])
		}
	}
}

func TestUnrecognizedStatusContinues(t *testing.T) {
	client := &scriptedClient{steps: []scriptStep{
		{status: "IN_REVIEW"},
		{status: gateway.StatusCompleted},
	}}
	snapshots := make(chan Snapshot, 16)
	p, _ := newFastPoller(client, snapshots)

	outcome := p.Run(context.Background(), "tok", "gw-1")

	if outcome.Status != StatusCompleted {
		t.Fatalf("unrecognized value must not terminate: %s", outcome.Status)
	}
	first := <-snapshots
	if first.RawValue != "IN_REVIEW" {
		t.Errorf("raw value must be carried as-is, got %q", first.RawValue)
	}
}

func TestCancelRacingCompleted(t *testing.T) {
	// Gateway reports the payment completed when the cancel lands.
	client := &scriptedClient{
		steps:       []scriptStep{{status: gateway.StatusPending}},
		cancelReply: &gateway.StatusReply{Status: gateway.StatusCompleted, HTTPStatus: 200},
	}
	p := New(client, Config{}, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	p.sleep = func(sctx context.Context, d time.Duration) bool {
		cancel() // cancel arrives during the backoff sleep
		return false
	}

	outcome := p.Run(ctx, "tok", "gw-1")

	if outcome.Status != StatusCompleted {
		t.Errorf("cancel racing COMPLETED must resolve as success, got %s", outcome.Status)
	}
	if !outcome.CancelRequested {
		t.Error("outcome must record the cancel request")
	}
	if client.cancelCalls != 1 {
		t.Errorf("gateway cancel must be attempted exactly once, got %d", client.cancelCalls)
	}
}

func TestCancelBlankStatusIsCancelled(t *testing.T) {
	client := &scriptedClient{
		cancelReply: &gateway.StatusReply{Status: "", HTTPStatus: 200},
	}
	p := New(client, Config{}, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancelled before the first attempt

	outcome := p.Run(ctx, "tok", "gw-1")

	if outcome.Status != StatusCancelled {
		t.Errorf("2xx cancel with blank status counts as cancelled, got %s", outcome.Status)
	}
	if client.statusCalls != 0 {
		t.Error("no poll attempt should run after a pre-flight cancel")
	}
}

func TestCancelRejectedByGateway(t *testing.T) {
	client := &scriptedClient{
		cancelErr: &gateway.Error{Kind: gateway.KindHTTP, Op: "cancel", StatusCode: 409},
	}
	p := New(client, Config{}, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := p.Run(ctx, "tok", "gw-1")
	if outcome.Status != StatusFailed {
		t.Errorf("rejected cancel is a failure exit, got %s", outcome.Status)
	}
}

func TestSnapshotsCarryPseudoStatuses(t *testing.T) {
	tests := []struct {
		name string
		err  *gateway.Error
		want Status
	}{
		{"network", &gateway.Error{Kind: gateway.KindNetwork}, StatusNetworkError},
		{"timeout", &gateway.Error{Kind: gateway.KindTimeout}, StatusTimeoutError},
		{"auth", &gateway.Error{Kind: gateway.KindHTTP, StatusCode: 401}, StatusAuthError},
		{"server", &gateway.Error{Kind: gateway.KindHTTP, StatusCode: 500}, StatusServerError},
		{"malformed", &gateway.Error{Kind: gateway.KindMalformed}, StatusServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &scriptedClient{steps: []scriptStep{
				{err: tt.err},
				{status: gateway.StatusCompleted},
			}}
			snapshots := make(chan Snapshot, 16)
			p, _ := newFastPoller(client, snapshots)

			outcome := p.Run(context.Background(), "tok", "gw-1")
			if outcome.Status != StatusCompleted {
				t.Fatalf("transport error must not terminate the loop: %s", outcome.Status)
			}

			first := <-snapshots
			if first.Status != tt.want {
				t.Errorf("pseudo-status: got %s, want %s", first.Status, tt.want)
			}
		})
	}
}
