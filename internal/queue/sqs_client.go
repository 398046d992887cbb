package queue

import (
	"context"
	"errors"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// sqsAPI abstracts the AWS SQS client for testability.
type sqsAPI interface {
	GetQueueURL(ctx context.Context, queueName string) (string, error)
	CreateQueue(ctx context.Context, input *sqsCreateQueueInput) (string, error)
	GetQueueAttributes(ctx context.Context, queueURL string, names ...string) (map[string]string, error)
	SendMessage(ctx context.Context, input *sqsSendInput) (*sqsSendOutput, error)
	ReceiveMessage(ctx context.Context, input *sqsReceiveInput) (*sqsReceiveOutput, error)
	DeleteMessage(ctx context.Context, input *sqsDeleteInput) error
	PurgeQueue(ctx context.Context, queueURL string) error
	ListQueues(ctx context.Context, prefix string) ([]string, error)
}

// sqsCreateQueueInput mirrors the fields needed for SQS CreateQueue.
type sqsCreateQueueInput struct {
	QueueName  string
	Attributes map[string]string
}

// sqsSendInput mirrors the fields needed for SQS SendMessage.
type sqsSendInput struct {
	QueueURL     string
	MessageBody  string
	DelaySeconds int32
	Attributes   map[string]sqsAttribute
}

// sqsAttribute is a typed message attribute.
type sqsAttribute struct {
	DataType string
	Value    string
}

// sqsSendOutput contains the result of a successful SendMessage call.
type sqsSendOutput struct {
	MessageID string
}

// sqsReceiveInput mirrors the fields needed for SQS ReceiveMessage.
type sqsReceiveInput struct {
	QueueURL            string
	MaxNumberOfMessages int32
	WaitTimeSeconds     int32
	VisibilityTimeout   int32
}

// sqsReceiveOutput contains the messages returned by ReceiveMessage.
type sqsReceiveOutput struct {
	Messages []sqsReceivedMessage
}

// sqsReceivedMessage represents a single message received from SQS.
type sqsReceivedMessage struct {
	MessageID     string
	ReceiptHandle string
	Body          string
	ReceiveCount  string
}

// sqsDeleteInput mirrors the fields needed for SQS DeleteMessage.
type sqsDeleteInput struct {
	QueueURL      string
	ReceiptHandle string
}

// awsSQSClient wraps the real AWS SQS SDK client and implements sqsAPI.
type awsSQSClient struct {
	client *sqs.Client
}

// newAWSSQSClient creates an awsSQSClient configured for the given region.
// A non-empty endpoint overrides the service URL (LocalStack, ElasticMQ).
func newAWSSQSClient(ctx context.Context, region, endpoint string) (*awsSQSClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var optFns []func(*sqs.Options)
	if endpoint != "" {
		optFns = append(optFns, func(o *sqs.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	return &awsSQSClient{client: sqs.NewFromConfig(cfg, optFns...)}, nil
}

// GetQueueURL resolves a queue name. It returns ErrQueueNotFound when the
// queue does not exist.
func (c *awsSQSClient) GetQueueURL(ctx context.Context, queueName string) (string, error) {
	out, err := c.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: &queueName})
	if err != nil {
		var notFound *types.QueueDoesNotExist
		if errors.As(err, &notFound) {
			return "", ErrQueueNotFound
		}
		return "", err
	}
	return derefString(out.QueueUrl), nil
}

// CreateQueue creates a queue with the given attributes.
func (c *awsSQSClient) CreateQueue(ctx context.Context, input *sqsCreateQueueInput) (string, error) {
	out, err := c.client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName:  &input.QueueName,
		Attributes: input.Attributes,
	})
	if err != nil {
		return "", err
	}
	return derefString(out.QueueUrl), nil
}

// GetQueueAttributes returns the requested attributes, or all of them when
// names is empty.
func (c *awsSQSClient) GetQueueAttributes(ctx context.Context, queueURL string, names ...string) (map[string]string, error) {
	attrNames := []types.QueueAttributeName{types.QueueAttributeNameAll}
	if len(names) > 0 {
		attrNames = attrNames[:0]
		for _, n := range names {
			attrNames = append(attrNames, types.QueueAttributeName(n))
		}
	}
	out, err := c.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       &queueURL,
		AttributeNames: attrNames,
	})
	if err != nil {
		var notFound *types.QueueDoesNotExist
		if errors.As(err, &notFound) {
			return nil, ErrQueueNotFound
		}
		return nil, err
	}
	return out.Attributes, nil
}

// SendMessage sends a message to the specified SQS queue.
func (c *awsSQSClient) SendMessage(ctx context.Context, input *sqsSendInput) (*sqsSendOutput, error) {
	attrs := make(map[string]types.MessageAttributeValue, len(input.Attributes))
	for name, a := range input.Attributes {
		dataType, value := a.DataType, a.Value
		attrs[name] = types.MessageAttributeValue{DataType: &dataType, StringValue: &value}
	}
	out, err := c.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          &input.QueueURL,
		MessageBody:       &input.MessageBody,
		DelaySeconds:      input.DelaySeconds,
		MessageAttributes: attrs,
	})
	if err != nil {
		return nil, err
	}
	return &sqsSendOutput{MessageID: derefString(out.MessageId)}, nil
}

// ReceiveMessage long-polls the specified SQS queue for messages.
func (c *awsSQSClient) ReceiveMessage(ctx context.Context, input *sqsReceiveInput) (*sqsReceiveOutput, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            &input.QueueURL,
		MaxNumberOfMessages: input.MaxNumberOfMessages,
		WaitTimeSeconds:     input.WaitTimeSeconds,
		VisibilityTimeout:   input.VisibilityTimeout,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return nil, err
	}

	messages := make([]sqsReceivedMessage, 0, len(out.Messages))
	for _, m := range out.Messages {
		messages = append(messages, sqsReceivedMessage{
			MessageID:     derefString(m.MessageId),
			ReceiptHandle: derefString(m.ReceiptHandle),
			Body:          derefString(m.Body),
			ReceiveCount:  m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)],
		})
	}
	return &sqsReceiveOutput{Messages: messages}, nil
}

// DeleteMessage deletes a message from the specified SQS queue.
func (c *awsSQSClient) DeleteMessage(ctx context.Context, input *sqsDeleteInput) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &input.QueueURL,
		ReceiptHandle: &input.ReceiptHandle,
	})
	var invalid *types.ReceiptHandleIsInvalid
	if errors.As(err, &invalid) {
		return ErrLeaseNotFound
	}
	return err
}

// PurgeQueue deletes every message in the queue.
func (c *awsSQSClient) PurgeQueue(ctx context.Context, queueURL string) error {
	_, err := c.client.PurgeQueue(ctx, &sqs.PurgeQueueInput{QueueUrl: &queueURL})
	return err
}

// ListQueues returns the URLs of all queues whose name starts with prefix.
func (c *awsSQSClient) ListQueues(ctx context.Context, prefix string) ([]string, error) {
	input := &sqs.ListQueuesInput{}
	if prefix != "" {
		input.QueueNamePrefix = &prefix
	}

	var urls []string
	paginator := sqs.NewListQueuesPaginator(c.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		urls = append(urls, page.QueueUrls...)
	}
	return urls, nil
}

// derefString safely dereferences a string pointer, returning "" for nil.
func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
