package sink

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// snsAPI abstracts the AWS SNS client for testability.
type snsAPI interface {
	Publish(ctx context.Context, input *snsPublishInput) (string, error)
	ListTopicARNs(ctx context.Context) ([]string, error)
	GetTopicAttributes(ctx context.Context, topicARN string) (map[string]string, error)
	CreateTopic(ctx context.Context, name string) (string, error)
	Subscribe(ctx context.Context, topicARN, protocol, endpoint string) (string, error)
}

// snsPublishInput mirrors the fields needed for SNS Publish.
type snsPublishInput struct {
	TopicARN   string
	Subject    string
	Message    string
	Attributes map[string]string
}

// awsSNSClient wraps the real AWS SNS SDK client and implements snsAPI.
type awsSNSClient struct {
	client *sns.Client
}

// newAWSSNSClient creates an awsSNSClient configured for the given region.
// A non-empty endpoint overrides the service URL (LocalStack).
func newAWSSNSClient(ctx context.Context, region, endpoint string) (*awsSNSClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var optFns []func(*sns.Options)
	if endpoint != "" {
		optFns = append(optFns, func(o *sns.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	return &awsSNSClient{client: sns.NewFromConfig(cfg, optFns...)}, nil
}

// Publish publishes a message to a topic and returns the SNS message id.
func (c *awsSNSClient) Publish(ctx context.Context, input *snsPublishInput) (string, error) {
	attrs := make(map[string]types.MessageAttributeValue, len(input.Attributes))
	for name, v := range input.Attributes {
		dataType, value := "String", v
		attrs[name] = types.MessageAttributeValue{DataType: &dataType, StringValue: &value}
	}
	in := &sns.PublishInput{
		TopicArn:          &input.TopicARN,
		Message:           &input.Message,
		MessageAttributes: attrs,
	}
	if input.Subject != "" {
		in.Subject = &input.Subject
	}
	out, err := c.client.Publish(ctx, in)
	if err != nil {
		return "", err
	}
	return derefString(out.MessageId), nil
}

// ListTopicARNs returns every topic ARN visible to the caller.
func (c *awsSNSClient) ListTopicARNs(ctx context.Context) ([]string, error) {
	var arns []string
	paginator := sns.NewListTopicsPaginator(c.client, &sns.ListTopicsInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, t := range page.Topics {
			arns = append(arns, derefString(t.TopicArn))
		}
	}
	return arns, nil
}

// GetTopicAttributes returns the topic attributes.
func (c *awsSNSClient) GetTopicAttributes(ctx context.Context, topicARN string) (map[string]string, error) {
	out, err := c.client.GetTopicAttributes(ctx, &sns.GetTopicAttributesInput{TopicArn: &topicARN})
	if err != nil {
		return nil, err
	}
	return out.Attributes, nil
}

// CreateTopic creates the topic (idempotent on the SNS side) and returns its ARN.
func (c *awsSNSClient) CreateTopic(ctx context.Context, name string) (string, error) {
	out, err := c.client.CreateTopic(ctx, &sns.CreateTopicInput{Name: &name})
	if err != nil {
		return "", err
	}
	return derefString(out.TopicArn), nil
}

// Subscribe subscribes endpoint to the topic.
func (c *awsSNSClient) Subscribe(ctx context.Context, topicARN, protocol, endpoint string) (string, error) {
	out, err := c.client.Subscribe(ctx, &sns.SubscribeInput{
		TopicArn: &topicARN,
		Protocol: &protocol,
		Endpoint: &endpoint,
	})
	if err != nil {
		return "", err
	}
	return derefString(out.SubscriptionArn), nil
}

// derefString safely dereferences a string pointer, returning "" for nil.
func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
