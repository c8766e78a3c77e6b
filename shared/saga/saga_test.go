package saga

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/draftea/saga-pipeline/shared/broker"
	"github.com/draftea/saga-pipeline/shared/envelope"
	"github.com/draftea/saga-pipeline/shared/logging"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type frozenClock struct{}

func (frozenClock) Now() time.Time {
	return epoch
}

func newMemory() *broker.Memory {
	return broker.NewMemory(broker.WithClock(frozenClock{}), broker.WithPollInterval(5*time.Millisecond))
}

// countingForwarder counts queue declarations on top of a memory broker.
type countingForwarder struct {
	*broker.Memory
	declares atomic.Int32
}

func (f *countingForwarder) DeclareQueue(ctx context.Context, queue broker.QueueDeclaration) error {
	f.declares.Add(1)
	return f.Memory.DeclareQueue(ctx, queue)
}

type recordingNotifier struct {
	mu        sync.Mutex
	completed [][]byte
	err       error
}

func (n *recordingNotifier) NotifyCompleted(_ context.Context, env *envelope.Envelope) error {
	body, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, body)
	return n.err
}

func (n *recordingNotifier) Completed() [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([][]byte(nil), n.completed...)
}

func delivery(queue, body string) broker.Delivery {
	return broker.Delivery{
		Message: broker.Message{ID: "msg-1", CorrelationID: "saga-1", Body: []byte(body)},
		Queue:   queue,
	}
}

func defaultStage(t *testing.T, name string) StageDescriptor {
	t.Helper()
	for _, stage := range DescribeStages(DefaultStages) {
		if stage.Name == name {
			return stage
		}
	}
	require.FailNow(t, "unknown stage", name)
	return StageDescriptor{}
}

func testLogger(t *testing.T) Option {
	return WithLogger(logging.Test(t))
}
