// Package ec2 adapts an EC2-compatible API to the gateway.
//
// Instances are served as compute and Elastic IPs as ipreservation. The
// access key and secret travel in engine.Credentials; a session token may
// be passed in Credentials.Values["session_token"].
package ec2

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/occigate/occigate/pkg/backend"
	"github.com/occigate/occigate/pkg/engine"
	"github.com/occigate/occigate/pkg/schema"
)

// BackendType is the configuration name of this backend.
const BackendType = "ec2"

// APIVersion is the adapter contract version the adapters implement.
var APIVersion = engine.MustParseVersion("3.0.0")

// Tags carrying gateway metadata on native objects.
const (
	tagName    = "Name"
	tagSummary = "occi:summary"
	tagMixins  = "occi:mixins"
)

// ec2API is the part of the EC2 client the adapters use.
type ec2API interface {
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	StartInstances(ctx context.Context, in *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, in *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	RebootInstances(ctx context.Context, in *ec2.RebootInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RebootInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	CreateTags(ctx context.Context, in *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	AllocateAddress(ctx context.Context, in *ec2.AllocateAddressInput, optFns ...func(*ec2.Options)) (*ec2.AllocateAddressOutput, error)
	DescribeAddresses(ctx context.Context, in *ec2.DescribeAddressesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeAddressesOutput, error)
	ReleaseAddress(ctx context.Context, in *ec2.ReleaseAddressInput, optFns ...func(*ec2.Options)) (*ec2.ReleaseAddressOutput, error)
}

// Backend builds adapters talking to EC2.
type Backend struct {
	newClient func(deps backend.Deps) (ec2API, error)
}

// New creates a backend using the AWS SDK client.
func New() *Backend {
	return &Backend{newClient: newClient}
}

// Register adds the supported subtypes to r.
func (b *Backend) Register(r *backend.Registry) {
	r.MustRegister(BackendType, engine.SubtypeCompute, func(deps backend.Deps) (engine.Adapter, error) {
		return newComputeAdapter(b.session(deps)), nil
	})
	r.MustRegister(BackendType, engine.SubtypeIPReservation, func(deps backend.Deps) (engine.Adapter, error) {
		return newAddressAdapter(b.session(deps)), nil
	})
}

func newClient(deps backend.Deps) (ec2API, error) {
	if deps.Options.Region == "" {
		return nil, engine.NewBackendLoadError("ec2 backend requires a region", nil)
	}
	if deps.Credentials.Identity == "" || deps.Credentials.Secret == "" {
		return nil, engine.NewError(engine.KindAuthentication, "ec2 backend requires an access key and secret", nil)
	}

	opts := ec2.Options{
		Region: deps.Options.Region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			deps.Credentials.Identity, deps.Credentials.Secret, deps.Credentials.Values["session_token"])),
	}
	if deps.Options.Endpoint != "" {
		opts.BaseEndpoint = aws.String(deps.Options.Endpoint)
	}
	return ec2.New(opts), nil
}

var errorKinds = map[string]engine.ErrorKind{
	"InvalidInstanceID.NotFound":    engine.KindEntityNotFound,
	"InvalidAllocationID.NotFound":  engine.KindEntityNotFound,
	"InvalidAddress.NotFound":       engine.KindEntityNotFound,
	"InvalidInstanceID.Malformed":   engine.KindMalformedIdentifier,
	"InvalidAllocationID.Malformed": engine.KindMalformedIdentifier,
	"AuthFailure":                   engine.KindAuthentication,
	"InvalidClientTokenId":          engine.KindAuthentication,
	"SignatureDoesNotMatch":         engine.KindAuthentication,
	"UnauthorizedOperation":         engine.KindAuthorization,
	"IncorrectInstanceState":        engine.KindEntityState,
	"IncorrectState":                engine.KindEntityState,
	"InvalidIPAddress.InUse":        engine.KindEntityState,
	"InvalidAMIID.NotFound":         engine.KindValidation,
	"InvalidAMIID.Malformed":        engine.KindValidation,
	"InvalidParameterValue":         engine.KindValidation,
	"RequestLimitExceeded":          engine.KindConnection,
	"ServiceUnavailable":            engine.KindConnection,
	"Unavailable":                   engine.KindConnection,
	"UnsupportedOperation":          engine.KindNotImplemented,
}

// classify maps EC2 API error codes to canonical kinds.
func classify(err error) (engine.ErrorKind, bool) {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return "", false
	}
	kind, ok := errorKinds[ae.ErrorCode()]
	return kind, ok
}

// session holds what every adapter of one proxy needs.
type session struct {
	deps   backend.Deps
	schema *schema.Registry
	caller *backend.Caller
	api    *engine.Lazy[ec2API]
}

func (b *Backend) session(deps backend.Deps) *session {
	s := deps.Schema
	if s == nil {
		s = schema.MustNew()
	}
	return &session{
		deps:   deps,
		schema: s,
		caller: backend.NewCaller(deps, classify),
		api: engine.NewLazy(func() (ec2API, error) {
			return b.newClient(deps)
		}),
	}
}

func call[T any](ctx context.Context, s *session, op string, fallback engine.ErrorKind, fn func(ctx context.Context, api ec2API) (T, error)) (T, error) {
	return backend.Call(ctx, s.caller, op, fallback, func(ctx context.Context) (T, error) {
		api, err := s.api.Get()
		if err != nil {
			var zero T
			return zero, err
		}
		return fn(ctx, api)
	})
}

func descriptor(subtype string) engine.AdapterDescriptor {
	return engine.AdapterDescriptor{Subtype: subtype, ServedKind: subtype, APIVersion: APIVersion}
}

var (
	instanceIDPattern   = regexp.MustCompile(`^i-[0-9a-f]{8,17}$`)
	allocationIDPattern = regexp.MustCompile(`^eipalloc-[0-9a-f]{8,17}$`)
)

func checkID(id string, pattern *regexp.Regexp) error {
	if !pattern.MatchString(id) {
		return engine.NewMalformedIdentifierError(id, "identifier does not match "+pattern.String())
	}
	return nil
}

func tag(tags []types.Tag, key string) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == key {
			return aws.ToString(t.Value)
		}
	}
	return ""
}

// metadataTags builds the tags describing e on its native object.
func metadataTags(title, summary string, mixins []string) []types.Tag {
	tags := []types.Tag{{Key: aws.String(tagName), Value: aws.String(title)}}
	if summary != "" {
		tags = append(tags, types.Tag{Key: aws.String(tagSummary), Value: aws.String(summary)})
	}
	if len(mixins) > 0 {
		tags = append(tags, types.Tag{Key: aws.String(tagMixins), Value: aws.String(strings.Join(mixins, " "))})
	}
	return tags
}

func splitMixins(s string) []string {
	return strings.Fields(s)
}

// retag rewrites the title and summary tags of a native object.
func retag(ctx context.Context, s *session, id string, attrs engine.Attributes) error {
	var tags []types.Tag
	if v, ok := attrs[engine.AttrTitle]; ok {
		tags = append(tags, types.Tag{Key: aws.String(tagName), Value: aws.String(fmt.Sprint(v))})
	}
	if v, ok := attrs[engine.AttrSummary]; ok {
		tags = append(tags, types.Tag{Key: aws.String(tagSummary), Value: aws.String(fmt.Sprint(v))})
	}
	if len(tags) == 0 {
		return nil
	}
	_, err := call(ctx, s, "CreateTags", engine.KindEntityState, func(ctx context.Context, api ec2API) (*ec2.CreateTagsOutput, error) {
		return api.CreateTags(ctx, &ec2.CreateTagsInput{Resources: []string{id}, Tags: tags})
	})
	return err
}

// checkPresentationOnly rejects attributes other than title and summary.
func checkPresentationOnly(id, op string, attrs engine.Attributes) error {
	for _, name := range attrs.Names() {
		switch name {
		case engine.AttrID, engine.AttrTitle, engine.AttrSummary:
		default:
			return engine.NewNotImplementedError(op).WithAttribute(name).WithResource(id)
		}
	}
	return nil
}
