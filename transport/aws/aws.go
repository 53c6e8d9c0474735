// Package aws provides an AWS SNS/SQS transport for flowrpc. Topics are SNS
// topics; every subscription is an SQS queue subscribed to its topic.
package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/flowrpc/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "aws"

// LocalStack accepts any twelve digit account; this is the one it defaults to.
const localstackAccountID = "000000000000"

// Overridable constructors. Tests swap them to avoid talking to AWS.
var (
	DefaultConfigLoader  = awsconfig.LoadDefaultConfig
	TopicResolverFactory = sns.NewGenerateArnTopicResolver

	PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return sns.NewPublisher(cfg, logger)
	}
	SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return sns.NewSubscriber(cfg, sqsCfg, logger)
	}
)

func init() {
	Register()
}

// Register registers the AWS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AWSCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

// settings is the part of transport.Config this transport reads, normalised.
type settings struct {
	region          string
	accountID       string
	accessKeyID     string
	secretAccessKey string
	endpoint        *url.URL
}

func readSettings(cfg transport.Config) (settings, error) {
	if cfg == nil {
		return settings{}, nil
	}
	s := settings{
		region:          strings.TrimSpace(cfg.GetAWSRegion()),
		accountID:       strings.Trim(cfg.GetAWSAccountID(), "\"' "),
		accessKeyID:     cfg.GetAWSAccessKeyID(),
		secretAccessKey: cfg.GetAWSSecretAccessKey(),
	}
	if raw := cfg.GetAWSEndpoint(); raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return settings{}, fmt.Errorf("aws endpoint %q: %w", raw, err)
		}
		s.endpoint = u
	}
	return s, nil
}

// local reports whether requests go to a custom endpoint such as LocalStack.
func (s settings) local() bool { return s.endpoint != nil }

// topicOwner returns the account and region used to build topic ARNs. A
// custom endpoint tolerates a missing or malformed account id by using the
// LocalStack default.
func (s settings) topicOwner(loadedRegion string, logger watermill.LoggerAdapter) (string, string) {
	region := s.region
	if region == "" {
		region = loadedRegion
	}
	if s.local() && !validAccountID(s.accountID) {
		logger.Info("Using LocalStack account id", watermill.LogFields{
			"configured": s.accountID,
			"accountID":  localstackAccountID,
		})
		return localstackAccountID, region
	}
	return s.accountID, region
}

func validAccountID(id string) bool {
	if len(id) != len(localstackAccountID) {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (s settings) loadOptions(logger watermill.LoggerAdapter) []func(*awsconfig.LoadOptions) error {
	var opts []func(*awsconfig.LoadOptions) error
	if s.region != "" {
		opts = append(opts, awsconfig.WithRegion(s.region))
	}
	if s.accessKeyID != "" && s.secretAccessKey != "" {
		logger.Debug("Using static AWS credentials", nil)
		opts = append(opts, awsconfig.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(context.Context) (aws.Credentials, error) {
				return aws.Credentials{AccessKeyID: s.accessKeyID, SecretAccessKey: s.secretAccessKey}, nil
			},
		)))
	}
	return opts
}

func (s settings) snsOptions() []func(*amazonsns.Options) {
	if !s.local() {
		return nil
	}
	return []func(*amazonsns.Options){
		amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *s.endpoint},
		}),
	}
}

func (s settings) sqsOptions() []func(*amazonsqs.Options) {
	if !s.local() {
		return nil
	}
	return []func(*amazonsqs.Options){
		amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *s.endpoint},
		}),
	}
}

// Build creates a new AWS SNS/SQS transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	s, err := readSettings(cfg)
	if err != nil {
		logger.Error("Invalid AWS endpoint", err, nil)
		return transport.Transport{}, err
	}

	awsCfg, err := DefaultConfigLoader(ctx, s.loadOptions(logger)...)
	if err != nil {
		logger.Error("Failed to load AWS config", err, watermill.LogFields{"region": s.region})
		return transport.Transport{}, fmt.Errorf("load aws config: %w", err)
	}
	// a shared profile may pin a region over WithRegion
	if s.region != "" {
		awsCfg.Region = s.region
	}

	accountID, region := s.topicOwner(awsCfg.Region, logger)
	resolver, err := TopicResolverFactory(accountID, region)
	if err != nil {
		logger.Error("Failed to create SNS topic resolver", err, watermill.LogFields{
			"accountID": accountID,
			"region":    region,
		})
		return transport.Transport{}, err
	}
	logger.Info("AWS transport configured", watermill.LogFields{
		"region":          region,
		"custom_endpoint": s.local(),
	})

	pubCfg := sns.PublisherConfig{
		AWSConfig:     awsCfg,
		TopicResolver: resolver,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
		OptFns:        s.snsOptions(),
	}
	publisher, err := PublisherFactory(pubCfg, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher: publisher,
		NewSubscriber: func(subscription string) (message.Subscriber, error) {
			return SubscriberFactory(
				sns.SubscriberConfig{
					AWSConfig:            awsCfg,
					OptFns:               s.snsOptions(),
					TopicResolver:        resolver,
					GenerateSqsQueueName: QueueNameGenerator(subscription),
				},
				sqs.SubscriberConfig{
					AWSConfig: awsCfg,
					OptFns:    s.sqsOptions(),
				},
				logger,
			)
		},
		Capabilities: transport.AWSCapabilities,
	}, nil
}

// QueueNameGenerator names the SQS queue of a subscription. Without a
// subscription name the queue is named after the topic.
func QueueNameGenerator(subscription string) func(context.Context, sns.TopicArn) (string, error) {
	return func(_ context.Context, topicArn sns.TopicArn) (string, error) {
		if subscription != "" {
			return subscription, nil
		}
		topic, err := sns.ExtractTopicNameFromTopicArn(topicArn)
		if err != nil {
			return "", err
		}
		return string(topic), nil
	}
}
