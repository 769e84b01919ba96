package ingest

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/yairfalse/jarru/telemetry"
	"github.com/yairfalse/jarru/types"
)

const (
	// receiveWaitSeconds is the SQS long-poll window
	receiveWaitSeconds = 20
	receiveBatchSize   = 10
	receiveBackoff     = 5 * time.Second
)

type sqsClient interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// EventHandler consumes one parsed cost event. Returning an error
// leaves the message on the queue for redelivery.
type EventHandler func(ctx context.Context, event types.CostEvent) error

// Poller long-polls an SQS queue of budget notifications and feeds
// parsed events to a handler
type Poller struct {
	client   sqsClient
	parser   *BudgetParser
	queueURL string
	logger   *telemetry.Logger
	backoff  time.Duration
}

func NewPoller(client sqsClient, parser *BudgetParser, queueURL string, logger *telemetry.Logger) *Poller {
	if logger == nil {
		logger = telemetry.NewLogger("ingest")
	}
	if parser == nil {
		parser = NewBudgetParser(logger)
	}
	return &Poller{
		client:   client,
		parser:   parser,
		queueURL: queueURL,
		logger:   logger,
		backoff:  receiveBackoff,
	}
}

// Run polls until ctx is canceled. Receive errors back off and retry,
// they do not end the loop.
func (p *Poller) Run(ctx context.Context, handle EventHandler) error {
	p.logger.Info().Str("queue_url", p.queueURL).Msg("starting budget event poller")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		out, err := p.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(p.queueURL),
			MaxNumberOfMessages: receiveBatchSize,
			WaitTimeSeconds:     receiveWaitSeconds,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error().Err(err).Msg("receive failed, backing off")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.backoff):
			}
			continue
		}

		for _, msg := range out.Messages {
			p.handleMessage(ctx, msg, handle)
		}
	}
}

func (p *Poller) handleMessage(ctx context.Context, msg sqstypes.Message, handle EventHandler) {
	event, err := p.parser.Parse([]byte(aws.ToString(msg.Body)))
	if err != nil {
		// An unparseable body never becomes parseable, delete it
		// instead of redelivering forever
		p.logger.Error().
			Err(err).
			Str("message_id", aws.ToString(msg.MessageId)).
			Msg("dropping unparseable message")
		p.deleteMessage(ctx, msg)
		return
	}

	if err := handle(ctx, event); err != nil {
		p.logger.Error().
			Err(err).
			Str("event_id", event.EventID).
			Msg("event handling failed, message stays queued for redelivery")
		return
	}
	p.deleteMessage(ctx, msg)
}

func (p *Poller) deleteMessage(ctx context.Context, msg sqstypes.Message) {
	_, err := p.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(p.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		p.logger.Warn().
			Err(err).
			Str("message_id", aws.ToString(msg.MessageId)).
			Msg("delete failed, message may redeliver")
	}
}
