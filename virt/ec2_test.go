package virt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/rpmci/cloudinit"
	"github.com/osbuild/rpmci/config"
	"github.com/osbuild/rpmci/ssh"
)

type fakeEC2 struct {
	calls []string

	importKeyPairErr error
	createSGErr      error
	ingressErr       error
	runInstancesErr  error
}

func (f *fakeEC2) record(call string) { f.calls = append(f.calls, call) }

func (f *fakeEC2) ImportKeyPair(ctx context.Context, params *ec2.ImportKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.ImportKeyPairOutput, error) {
	f.record("import-keypair " + aws.ToString(params.KeyName))
	if f.importKeyPairErr != nil {
		return nil, f.importKeyPairErr
	}
	return &ec2.ImportKeyPairOutput{}, nil
}

func (f *fakeEC2) DeleteKeyPair(ctx context.Context, params *ec2.DeleteKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.DeleteKeyPairOutput, error) {
	f.record("delete-keypair " + aws.ToString(params.KeyName))
	return &ec2.DeleteKeyPairOutput{}, nil
}

func (f *fakeEC2) CreateSecurityGroup(ctx context.Context, params *ec2.CreateSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error) {
	f.record("create-sg " + aws.ToString(params.GroupName))
	if f.createSGErr != nil {
		return nil, f.createSGErr
	}
	return &ec2.CreateSecurityGroupOutput{GroupId: aws.String("sg-123")}, nil
}

func (f *fakeEC2) AuthorizeSecurityGroupIngress(ctx context.Context, params *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
	f.record("authorize-ingress " + aws.ToString(params.GroupId))
	if f.ingressErr != nil {
		return nil, f.ingressErr
	}
	return &ec2.AuthorizeSecurityGroupIngressOutput{}, nil
}

func (f *fakeEC2) DeleteSecurityGroup(ctx context.Context, params *ec2.DeleteSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error) {
	f.record("delete-sg " + aws.ToString(params.GroupId))
	return &ec2.DeleteSecurityGroupOutput{}, nil
}

func (f *fakeEC2) RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.record("run-instances " + aws.ToString(params.ImageId))
	if f.runInstancesErr != nil {
		return nil, f.runInstancesErr
	}
	return &ec2.RunInstancesOutput{
		Instances: []ec2types.Instance{{InstanceId: aws.String("i-123")}},
	}, nil
}

func (f *fakeEC2) TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.record("terminate-instances " + params.InstanceIds[0])
	return &ec2.TerminateInstancesOutput{}, nil
}

func (f *fakeEC2) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.record("describe-instances")
	return &ec2.DescribeInstancesOutput{
		Reservations: []ec2types.Reservation{{
			Instances: []ec2types.Instance{{
				InstanceId:      aws.String("i-123"),
				PublicIpAddress: aws.String("198.51.100.7"),
			}},
		}},
	}, nil
}

func testEC2(fake *fakeEC2, runner Runner) *EC2 {
	doc := (&cloudinit.Document{}).AddUser(GuestUser, "foobar", "pubkey")
	e := newEC2(fake, &config.EC2{ImageID: "ami-123"}, Options{
		RunID:     "run1234",
		Name:      "target",
		Keypair:   &ssh.Keypair{PublicKey: []byte("ssh-rsa AAAA")},
		CloudInit: doc,
	})
	e.waitRunning = func(ctx context.Context, id string) error {
		fake.record("wait-running " + id)
		return nil
	}
	e.waitTerminated = func(ctx context.Context, id string) error {
		fake.record("wait-terminated " + id)
		return nil
	}
	e.newRunner = func(host string) (Runner, error) {
		fake.record("ssh " + host)
		return runner, nil
	}
	e.ProbeAttempts = 3
	e.ProbeInterval = 0
	e.sleep = func(d time.Duration) {}
	return e
}

func TestEC2AcquireRelease(t *testing.T) {
	fake := &fakeEC2{}
	e := testEC2(fake, &scriptedRunner{codes: []int{0}})

	require.NoError(t, e.Acquire(context.Background()))

	host, port := e.Addr()
	assert.Equal(t, "198.51.100.7", host)
	assert.Equal(t, 22, port)

	e.Release()

	assert.Equal(t, []string{
		"import-keypair rpmci-keypair-target-run1234",
		"create-sg rpmci-sg-target-run1234",
		"authorize-ingress sg-123",
		"run-instances ami-123",
		"wait-running i-123",
		"describe-instances",
		"ssh 198.51.100.7",
		"terminate-instances i-123",
		"wait-terminated i-123",
		"delete-sg sg-123",
		"delete-keypair rpmci-keypair-target-run1234",
	}, fake.calls)
}

func TestEC2KeypairImportFailure(t *testing.T) {
	fake := &fakeEC2{importKeyPairErr: errors.New("limit exceeded")}
	e := testEC2(fake, &scriptedRunner{})

	err := e.Acquire(context.Background())
	require.Error(t, err)
	var provErr *ProvisionError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, "keypair import", provErr.Stage)

	// Nothing was created, so release must not issue any delete calls.
	fake.calls = nil
	e.Release()
	assert.Empty(t, fake.calls)
}

func TestEC2InstanceLaunchFailureReleasesPartialState(t *testing.T) {
	fake := &fakeEC2{runInstancesErr: errors.New("capacity")}
	e := testEC2(fake, &scriptedRunner{})

	err := e.Acquire(context.Background())
	require.Error(t, err)

	fake.calls = nil
	e.Release()
	assert.Equal(t, []string{
		"delete-sg sg-123",
		"delete-keypair rpmci-keypair-target-run1234",
	}, fake.calls)
}

func TestEC2BootTimeoutStillReleasesInstance(t *testing.T) {
	fake := &fakeEC2{}
	e := testEC2(fake, &scriptedRunner{codes: []int{1, 1, 1}})

	err := e.Acquire(context.Background())
	var bootErr *BootTimeoutError
	require.True(t, errors.As(err, &bootErr))

	fake.calls = nil
	e.Release()
	assert.Equal(t, []string{
		"terminate-instances i-123",
		"wait-terminated i-123",
		"delete-sg sg-123",
		"delete-keypair rpmci-keypair-target-run1234",
	}, fake.calls)
}
