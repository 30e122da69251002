package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetctl/deployctl/pkg/events"
	"github.com/fleetctl/deployctl/pkg/types"
)

type fakeMailer struct {
	subjects []string
	bodies   []string
	err      error
}

func (f *fakeMailer) Send(subject, body string) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.bodies = append(f.bodies, body)
	return nil
}

func TestCriticalAndReplacementEventsAreMailed(t *testing.T) {
	mailer := &fakeMailer{}
	sub := New(mailer, zerolog.Nop())
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	ch := broker.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sub.Run(ctx, ch)
		close(done)
	}()

	broker.Publish(&types.Event{Type: types.EventCriticalAlert, Message: "no healthy nodes remain"})
	broker.Publish(&types.Event{Type: types.EventReplacementSucceeded, Message: "replaced 10.0.0.2 with 10.0.1.3"})
	broker.Publish(&types.Event{Type: types.EventDeploymentPromoted, Message: "should not be mailed"})

	require.Eventually(t, func() bool { return len(mailer.subjects) >= 2 }, time.Second, time.Millisecond)
	cancel()
	<-done

	assert.Len(t, mailer.subjects, 2)
	assert.Contains(t, mailer.subjects[0], "[Health Monitor]")
}

func TestIrrelevantEventIsNotMailed(t *testing.T) {
	mailer := &fakeMailer{}
	sub := New(mailer, zerolog.Nop())

	sub.handle(&types.Event{Type: types.EventScaleExecuted, Message: "scaled"})

	assert.Empty(t, mailer.subjects)
}
