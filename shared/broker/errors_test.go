package broker

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDispositionFor(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Disposition
	}{
		{name: "nil acknowledges", err: nil, expected: Ack},
		{name: "plain error requeues", err: errors.New("boom"), expected: Requeue},
		{name: "permanent rejects", err: Permanent(errors.New("malformed")), expected: Reject},
		{name: "wrapped permanent rejects", err: fmt.Errorf("relay: %w", Permanent(errors.New("malformed"))), expected: Reject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DispositionFor(tt.err))
		})
	}
}

func TestPermanent_Nil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}

func TestQueueArguments_Table(t *testing.T) {
	args := QueueArguments{MessageTTL: 1500 * time.Millisecond, DeadLetterExchange: "dlx", DeadLetterRoutingKey: "dl"}

	assert.Equal(t, map[string]any{
		ArgMessageTTL:           int64(1500),
		ArgDeadLetterExchange:   "dlx",
		ArgDeadLetterRoutingKey: "dl",
	}, args.Table())
	assert.Empty(t, QueueArguments{}.Table())
	assert.True(t, QueueArguments{}.IsZero())
}
