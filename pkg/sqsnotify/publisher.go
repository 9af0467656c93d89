// Package sqsnotify publishes refund events to an Amazon SQS queue. It is the
// alternative to RabbitMQ for deployments that fan notifications out through AWS.
package sqsnotify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SendMessageAPI is the subset of the SQS client the publisher needs.
type SendMessageAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Publisher sends JSON events to one queue, carrying exchange and routing key as message attributes.
type Publisher struct {
	client   SendMessageAPI
	queueURL string
}

// NewPublisher builds an SQS client from the default AWS credential chain.
func NewPublisher(ctx context.Context, region, queueURL string) (*Publisher, error) {
	if queueURL == "" {
		return nil, fmt.Errorf("sqs queue url is required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx, awsConfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewPublisherWithClient(sqs.NewFromConfig(cfg), queueURL), nil
}

// NewPublisherWithClient wires an existing SQS client.
func NewPublisherWithClient(client SendMessageAPI, queueURL string) *Publisher {
	return &Publisher{client: client, queueURL: queueURL}
}

// Publish implements the same contract as the RabbitMQ producer.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	blob, err := json.Marshal(body)
	if err != nil {
		return err
	}

	out, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(blob)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"exchange": {
				DataType:    aws.String("String"),
				StringValue: aws.String(exchange),
			},
			"routing_key": {
				DataType:    aws.String("String"),
				StringValue: aws.String(routingKey),
			},
		},
	})
	if err != nil {
		log.Printf("level=warn component=sqs_publisher routing_key=%s msg=\"send failed\" err=%v", routingKey, err)
		return err
	}
	log.Printf("level=info component=sqs_publisher routing_key=%s message_id=%s msg=\"event sent\"", routingKey, aws.ToString(out.MessageId))
	return nil
}

func (p *Publisher) Close() {}
