package virt

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	log "github.com/sirupsen/logrus"

	"github.com/osbuild/rpmci/cloudinit"
	"github.com/osbuild/rpmci/config"
	"github.com/osbuild/rpmci/ssh"
)

const (
	defaultInstanceType = "t2.small"
	ec2WaitTimeout      = 5 * time.Minute
)

// ec2API is the slice of the EC2 client the backend uses. *ec2.Client
// satisfies it; tests use a fake. DescribeInstances doubles as the waiter
// client for the SDK's instance state waiters.
type ec2API interface {
	ImportKeyPair(ctx context.Context, params *ec2.ImportKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.ImportKeyPairOutput, error)
	DeleteKeyPair(ctx context.Context, params *ec2.DeleteKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.DeleteKeyPairOutput, error)
	CreateSecurityGroup(ctx context.Context, params *ec2.CreateSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, params *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	DeleteSecurityGroup(ctx context.Context, params *ec2.DeleteSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error)
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// EC2 provisions the machine as a cloud instance together with the
// ephemeral keypair and ingress policy it needs. Every artifact is logged at
// creation and at deletion; a kill signal between those two lines is the
// only way a billable resource leaks.
type EC2 struct {
	api     ec2API
	cfg     *config.EC2
	name    string
	runID   string
	keypair *ssh.Keypair
	doc     *cloudinit.Document

	ProbeAttempts int
	ProbeInterval time.Duration

	// Test seams: waiters, probe pacing and SSH construction.
	waitRunning    func(ctx context.Context, instanceID string) error
	waitTerminated func(ctx context.Context, instanceID string) error
	newRunner      func(host string) (Runner, error)
	sleep          func(time.Duration)

	keypairName string
	sgID        string
	sgName      string
	instanceID  string
	publicIP    string

	runner Runner
}

func NewEC2(cfg *config.EC2, opts Options) (*EC2, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AWS.AccessKeyID, opts.AWS.SecretAccessKey, ""),
		),
		awsconfig.WithRegion(opts.AWS.RegionName),
	)
	if err != nil {
		return nil, fmt.Errorf("can't load AWS config: %w", err)
	}

	return newEC2(ec2.NewFromConfig(awsCfg), cfg, opts), nil
}

func newEC2(api ec2API, cfg *config.EC2, opts Options) *EC2 {
	e := &EC2{
		api:           api,
		cfg:           cfg,
		name:          opts.Name,
		runID:         opts.RunID,
		keypair:       opts.Keypair,
		doc:           opts.CloudInit,
		ProbeAttempts: DefaultProbeAttempts,
		ProbeInterval: DefaultProbeInterval,
	}
	e.waitRunning = func(ctx context.Context, instanceID string) error {
		waiter := ec2.NewInstanceRunningWaiter(e.api)
		return waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}}, ec2WaitTimeout)
	}
	e.waitTerminated = func(ctx context.Context, instanceID string) error {
		waiter := ec2.NewInstanceTerminatedWaiter(e.api)
		return waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}}, ec2WaitTimeout)
	}
	e.newRunner = func(host string) (Runner, error) {
		return ssh.NewClient(GuestUser, host, 22, e.keypair.PrivateKey)
	}
	return e
}

func (e *EC2) Acquire(ctx context.Context) error {
	if err := e.importKeypair(ctx); err != nil {
		return err
	}
	if err := e.createSecurityGroup(ctx); err != nil {
		return err
	}
	if err := e.launchInstance(ctx); err != nil {
		return err
	}

	runner, err := e.newRunner(e.publicIP)
	if err != nil {
		return &ProvisionError{Backend: "ec2", Stage: "ssh setup", Err: err}
	}
	e.runner = runner

	return WaitReady("ec2", e.runner, ProbeCommand, e.ProbeAttempts, e.ProbeInterval, e.sleep)
}

// Release tears down in strict reverse order: the instance first and
// blocking until the provider confirms termination, because the security
// group cannot be deleted while an instance references it; the keypair last.
func (e *EC2) Release() {
	ctx := context.Background()

	if e.instanceID != "" {
		e.logDelete("instance " + e.instanceID)
		if _, err := e.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
			InstanceIds: []string{e.instanceID},
		}); err != nil {
			log.WithError(err).Warn("failed to terminate instance ", e.instanceID)
		} else if err := e.waitTerminated(ctx, e.instanceID); err != nil {
			log.WithError(err).Warn("failed to wait for instance termination")
		}
		e.instanceID = ""
	}

	if e.sgID != "" {
		e.logDelete("security group " + e.sgName)
		if _, err := e.api.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{
			GroupId: aws.String(e.sgID),
		}); err != nil {
			log.WithError(err).Warn("failed to delete security group ", e.sgName)
		}
		e.sgID = ""
	}

	if e.keypairName != "" {
		e.logDelete("keypair " + e.keypairName)
		if _, err := e.api.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{
			KeyName: aws.String(e.keypairName),
		}); err != nil {
			log.WithError(err).Warn("failed to delete keypair ", e.keypairName)
		}
		e.keypairName = ""
	}
}

func (e *EC2) Run(command string, stdin io.Reader) (int, error) {
	return e.runner.Run(command, stdin)
}

func (e *EC2) Addr() (string, int) {
	return e.publicIP, 22
}

func (e *EC2) importKeypair(ctx context.Context) error {
	name := fmt.Sprintf("rpmci-keypair-%s-%s", e.name, e.runID)
	e.logCreate("keypair " + name)
	_, err := e.api.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
		KeyName:           aws.String(name),
		PublicKeyMaterial: e.keypair.PublicKey,
	})
	if err != nil {
		return &ProvisionError{Backend: "ec2", Stage: "keypair import", Err: err}
	}
	e.keypairName = name
	return nil
}

func (e *EC2) createSecurityGroup(ctx context.Context) error {
	name := fmt.Sprintf("rpmci-sg-%s-%s", e.name, e.runID)
	e.logCreate("security group " + name)
	created, err := e.api.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(name),
		Description: aws.String("rpmci ephemeral security group"),
	})
	if err != nil {
		return &ProvisionError{Backend: "ec2", Stage: "security group create", Err: err}
	}
	e.sgID = aws.ToString(created.GroupId)
	e.sgName = name

	_, err = e.api.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: created.GroupId,
		IpPermissions: []ec2types.IpPermission{{
			IpProtocol: aws.String("tcp"),
			FromPort:   aws.Int32(22),
			ToPort:     aws.Int32(22),
			IpRanges:   []ec2types.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
		}},
	})
	if err != nil {
		return &ProvisionError{Backend: "ec2", Stage: "security group ingress", Err: err}
	}
	return nil
}

func (e *EC2) launchInstance(ctx context.Context) error {
	userData, err := e.doc.UserData()
	if err != nil {
		return &ProvisionError{Backend: "ec2", Stage: "cloud-init document", Err: err}
	}

	instanceType := e.cfg.InstanceType
	if instanceType == "" {
		instanceType = defaultInstanceType
	}

	e.logCreate("instance for " + e.name)
	launched, err := e.api.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:          aws.String(e.cfg.ImageID),
		InstanceType:     ec2types.InstanceType(instanceType),
		KeyName:          aws.String(e.keypairName),
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		SecurityGroupIds: []string{e.sgID},
		UserData:         aws.String(base64.StdEncoding.EncodeToString([]byte(userData))),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags: []ec2types.Tag{
				{Key: aws.String("Name"), Value: aws.String(fmt.Sprintf("rpmci-%s-%s", e.name, e.runID))},
				{Key: aws.String("rpmci:run"), Value: aws.String(e.runID)},
			},
		}},
	})
	if err != nil {
		return &ProvisionError{Backend: "ec2", Stage: "instance launch", Err: err}
	}
	e.instanceID = aws.ToString(launched.Instances[0].InstanceId)

	if err := e.waitRunning(ctx, e.instanceID); err != nil {
		return &ProvisionError{Backend: "ec2", Stage: "instance running wait", Err: err}
	}

	described, err := e.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{e.instanceID},
	})
	if err != nil {
		return &ProvisionError{Backend: "ec2", Stage: "instance describe", Err: err}
	}
	e.publicIP = aws.ToString(described.Reservations[0].Instances[0].PublicIpAddress)

	log.WithFields(log.Fields{"instance": e.instanceID, "ip": e.publicIP}).Info("instance is running")
	return nil
}

func (e *EC2) logCreate(artifact string) {
	log.WithField("run", e.runID).Info("creating artifact in AWS: ", artifact)
}

func (e *EC2) logDelete(artifact string) {
	log.WithField("run", e.runID).Info("deleting artifact in AWS: ", artifact)
}
