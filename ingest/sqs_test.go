package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/jarru/types"
)

const validBudgetBody = `{
	"budgetName": "ci-budget",
	"calculatedSpend": {"actualSpend": {"amount": 300.0, "unit": "USD"}},
	"notificationArn": "arn:aws:budgets::123456789012:budget/ci-budget"
}`

// fakeSQS replays scripted receive outputs, then cancels the poller
// context so Run returns
type fakeSQS struct {
	outputs       []*sqs.ReceiveMessageOutput
	errs          []error
	cancel        context.CancelFunc
	receiveInputs []*sqs.ReceiveMessageInput
	deleted       []string
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.receiveInputs = append(f.receiveInputs, in)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	if len(f.outputs) == 0 {
		f.cancel()
		return &sqs.ReceiveMessageOutput{}, nil
	}
	out := f.outputs[0]
	f.outputs = f.outputs[1:]
	return out, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func message(id, receipt, body string) sqstypes.Message {
	return sqstypes.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String(receipt),
		Body:          aws.String(body),
	}
}

func newTestPoller(t *testing.T) (*Poller, *fakeSQS, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	client := &fakeSQS{cancel: cancel}
	poller := NewPoller(client, newTestParser(), "https://sqs.eu-west-1.amazonaws.com/123456789012/jarru-budget-events", nil)
	poller.backoff = time.Millisecond
	return poller, client, ctx
}

func TestPollerDeliversParsedEvents(t *testing.T) {
	poller, client, ctx := newTestPoller(t)
	client.outputs = []*sqs.ReceiveMessageOutput{{
		Messages: []sqstypes.Message{
			message("m-1", "rh-1", validBudgetBody),
			message("m-2", "rh-2", validBudgetBody),
		},
	}}

	var events []types.CostEvent
	err := poller.Run(ctx, func(_ context.Context, event types.CostEvent) error {
		events = append(events, event)
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)

	require.Len(t, events, 2)
	assert.Equal(t, "123456789012", events[0].AccountID)
	assert.Equal(t, 300.0, events[0].Amount)
	assert.Equal(t, []string{"rh-1", "rh-2"}, client.deleted)

	require.NotEmpty(t, client.receiveInputs)
	in := client.receiveInputs[0]
	assert.Equal(t, "https://sqs.eu-west-1.amazonaws.com/123456789012/jarru-budget-events", aws.ToString(in.QueueUrl))
	assert.Equal(t, int32(receiveBatchSize), in.MaxNumberOfMessages)
	assert.Equal(t, int32(receiveWaitSeconds), in.WaitTimeSeconds)
}

func TestPollerDropsPoisonMessages(t *testing.T) {
	poller, client, ctx := newTestPoller(t)
	client.outputs = []*sqs.ReceiveMessageOutput{{
		Messages: []sqstypes.Message{message("m-1", "rh-poison", `{not json`)},
	}}

	handled := 0
	err := poller.Run(ctx, func(context.Context, types.CostEvent) error {
		handled++
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)

	assert.Zero(t, handled)
	assert.Equal(t, []string{"rh-poison"}, client.deleted)
}

func TestPollerKeepsMessageOnHandlerError(t *testing.T) {
	poller, client, ctx := newTestPoller(t)
	client.outputs = []*sqs.ReceiveMessageOutput{{
		Messages: []sqstypes.Message{message("m-1", "rh-1", validBudgetBody)},
	}}

	err := poller.Run(ctx, func(context.Context, types.CostEvent) error {
		return errors.New("ledger unavailable")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, client.deleted)
}

func TestPollerRetriesAfterReceiveError(t *testing.T) {
	poller, client, ctx := newTestPoller(t)
	client.errs = []error{errors.New("throttled")}
	client.outputs = []*sqs.ReceiveMessageOutput{{
		Messages: []sqstypes.Message{message("m-1", "rh-1", validBudgetBody)},
	}}

	handled := 0
	err := poller.Run(ctx, func(context.Context, types.CostEvent) error {
		handled++
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 1, handled)
	assert.GreaterOrEqual(t, len(client.receiveInputs), 3)
}

func TestPollerStopsWhenAlreadyCanceled(t *testing.T) {
	poller, client, _ := newTestPoller(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := poller.Run(ctx, func(context.Context, types.CostEvent) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, client.receiveInputs)
}
