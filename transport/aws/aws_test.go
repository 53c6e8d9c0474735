package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flowrpc/transport"
)

type fakeConfig struct {
	region    string
	accountID string
	accessKey string
	secretKey string
	endpoint  string
}

func (f *fakeConfig) GetPubSubSystem() string       { return TransportName }
func (f *fakeConfig) GetKafkaBrokers() []string     { return nil }
func (f *fakeConfig) GetRabbitMQURL() string        { return "" }
func (f *fakeConfig) GetNATSURL() string            { return "" }
func (f *fakeConfig) GetNATSStream() string         { return "" }
func (f *fakeConfig) GetHTTPServerAddress() string  { return "" }
func (f *fakeConfig) GetHTTPPublisherURL() string   { return "" }
func (f *fakeConfig) GetAWSRegion() string          { return f.region }
func (f *fakeConfig) GetAWSAccountID() string       { return f.accountID }
func (f *fakeConfig) GetAWSAccessKeyID() string     { return f.accessKey }
func (f *fakeConfig) GetAWSSecretAccessKey() string { return f.secretKey }
func (f *fakeConfig) GetAWSEndpoint() string        { return f.endpoint }

type fakePublisher struct{}

func (*fakePublisher) Publish(string, ...*message.Message) error { return nil }
func (*fakePublisher) Close() error                              { return nil }

type fakeSubscriber struct{}

func (*fakeSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (*fakeSubscriber) Close() error { return nil }

// stubs replaces every AWS constructor for the duration of a test and records
// what Build handed them.
type stubs struct {
	loadOpts     int
	owner        [2]string
	pubCfg       sns.PublisherConfig
	subCfg       sns.SubscriberConfig
	sqsCfg       sqs.SubscriberConfig
	loadErr      error
	pubErr       error
	subErr       error
	publisher    *fakePublisher
	subscriber   *fakeSubscriber
	loadedRegion string
}

func installStubs(t *testing.T) *stubs {
	t.Helper()
	s := &stubs{publisher: &fakePublisher{}, subscriber: &fakeSubscriber{}, loadedRegion: "eu-central-1"}

	loader, resolver, pub, sub := DefaultConfigLoader, TopicResolverFactory, PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		DefaultConfigLoader, TopicResolverFactory, PublisherFactory, SubscriberFactory = loader, resolver, pub, sub
	})

	DefaultConfigLoader = func(_ context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		s.loadOpts = len(opts)
		if s.loadErr != nil {
			return aws.Config{}, s.loadErr
		}
		return aws.Config{Region: s.loadedRegion}, nil
	}
	TopicResolverFactory = func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
		s.owner = [2]string{accountID, region}
		return &sns.GenerateArnTopicResolver{}, nil
	}
	PublisherFactory = func(cfg sns.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		s.pubCfg = cfg
		if s.pubErr != nil {
			return nil, s.pubErr
		}
		return s.publisher, nil
	}
	SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		s.subCfg, s.sqsCfg = cfg, sqsCfg
		if s.subErr != nil {
			return nil, s.subErr
		}
		return s.subscriber, nil
	}
	return s
}

func TestRegisterDeclaresCapabilities(t *testing.T) {
	original := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = original })
	transport.DefaultRegistry = transport.NewRegistry()

	Register()

	caps := transport.GetCapabilities("AWS")
	assert.Equal(t, Capabilities(), caps)
	assert.True(t, caps.SupportsReliableDelivery())
	assert.Equal(t, int64(262144), caps.MaxMessageSize)
}

func TestBuildAgainstAWS(t *testing.T) {
	s := installStubs(t)

	tr, err := Build(context.Background(), &fakeConfig{region: "us-east-1", accountID: "123456789012"}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Same(t, s.publisher, tr.Publisher)
	assert.Equal(t, transport.AWSCapabilities, tr.Capabilities)
	assert.Equal(t, [2]string{"123456789012", "us-east-1"}, s.owner)
	assert.Equal(t, 1, s.loadOpts, "region only, no static credentials")
	assert.Empty(t, s.pubCfg.OptFns)
	assert.Equal(t, "us-east-1", s.pubCfg.AWSConfig.Region)

	sub, err := tr.NewSubscriber("rpc-server")
	require.NoError(t, err)
	assert.Same(t, s.subscriber, sub)
	assert.Empty(t, s.sqsCfg.OptFns)

	queue, err := s.subCfg.GenerateSqsQueueName(context.Background(), sns.TopicArn("arn:aws:sns:us-east-1:123456789012:requests"))
	require.NoError(t, err)
	assert.Equal(t, "rpc-server", queue)
}

func TestBuildAgainstLocalStack(t *testing.T) {
	s := installStubs(t)

	cfg := &fakeConfig{endpoint: "http://localhost:4566", accessKey: "test", secretKey: "test"}
	tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
	require.NoError(t, err)

	assert.Equal(t, [2]string{localstackAccountID, "eu-central-1"}, s.owner, "region falls back to the loaded config")
	assert.Equal(t, 1, s.loadOpts, "static credentials only")
	assert.Len(t, s.pubCfg.OptFns, 1)

	_, err = tr.NewSubscriber("")
	require.NoError(t, err)
	assert.Len(t, s.subCfg.OptFns, 1)
	assert.Len(t, s.sqsCfg.OptFns, 1)
}

func TestBuildFailures(t *testing.T) {
	cfg := &fakeConfig{region: "us-east-1", accountID: "123456789012"}

	t.Run("config loader", func(t *testing.T) {
		s := installStubs(t)
		s.loadErr = errors.New("no credentials")
		_, err := Build(context.Background(), cfg, watermill.NopLogger{})
		assert.ErrorIs(t, err, s.loadErr)
	})

	t.Run("publisher", func(t *testing.T) {
		s := installStubs(t)
		s.pubErr = errors.New("publisher error")
		_, err := Build(context.Background(), cfg, watermill.NopLogger{})
		assert.ErrorIs(t, err, s.pubErr)
	})

	t.Run("subscriber is lazy", func(t *testing.T) {
		s := installStubs(t)
		s.subErr = errors.New("subscriber error")
		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		_, err = tr.NewSubscriber("rpc-server")
		assert.ErrorIs(t, err, s.subErr)
	})

	t.Run("endpoint", func(t *testing.T) {
		installStubs(t)
		_, err := Build(context.Background(), &fakeConfig{endpoint: "http://[::1"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "aws endpoint")
	})
}

func TestQueueNameGenerator(t *testing.T) {
	arn := sns.TopicArn("arn:aws:sns:us-east-1:123456789012:requests")

	name, err := QueueNameGenerator("replies-1")(context.Background(), arn)
	require.NoError(t, err)
	assert.Equal(t, "replies-1", name)

	name, err = QueueNameGenerator("")(context.Background(), arn)
	require.NoError(t, err)
	assert.Equal(t, "requests", name)
}

func TestTopicOwner(t *testing.T) {
	cases := []struct {
		name        string
		cfg         *fakeConfig
		wantAccount string
		wantRegion  string
	}{
		{"configured values", &fakeConfig{accountID: "123456789012", region: "us-west-2"}, "123456789012", "us-west-2"},
		{"quoted account id", &fakeConfig{accountID: `"123456789012"`}, "123456789012", "us-east-1"},
		{"localstack without account", &fakeConfig{endpoint: "http://localhost:4566"}, localstackAccountID, "us-east-1"},
		{"localstack with short account", &fakeConfig{endpoint: "http://localhost:4566", accountID: "123"}, localstackAccountID, "us-east-1"},
		{"localstack with letters", &fakeConfig{endpoint: "http://localhost:4566", accountID: "12345678901a"}, localstackAccountID, "us-east-1"},
		{"aws keeps what it is given", &fakeConfig{accountID: "123"}, "123", "us-east-1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := readSettings(tc.cfg)
			require.NoError(t, err)
			account, region := s.topicOwner("us-east-1", watermill.NopLogger{})
			assert.Equal(t, tc.wantAccount, account)
			assert.Equal(t, tc.wantRegion, region)
		})
	}
}

func TestReadSettingsWithoutConfig(t *testing.T) {
	s, err := readSettings(nil)
	require.NoError(t, err)
	assert.False(t, s.local())
	assert.Nil(t, s.snsOptions())
	assert.Nil(t, s.sqsOptions())
}
