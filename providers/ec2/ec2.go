package ec2

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"transcribe-orchestrator/core/models"
	"transcribe-orchestrator/providers"
)

// managedByTag marks instances this orchestrator created, so sweeps and
// listings never touch anything else in the account.
const managedByTag = "transcribe-orchestrator"

// addressWaitAttempts bounds the poll for a public address after launch
const (
	addressWaitAttempts = 40
	addressWaitDelay    = 3 * time.Second
)

// Config carries the EC2 placement settings
type Config struct {
	Region       string
	InstanceType string
	AMI          string // worker image with the transcription tooling baked in
}

// Backend provisions workers as EC2 instances
type Backend struct {
	client *awsec2.Client
	cfg    Config
	log    *zap.SugaredLogger
}

// New creates an EC2 backend using the default AWS credential chain
func New(ctx context.Context, log *zap.SugaredLogger, cfg Config) (*Backend, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, errors.Wrap(err, "load AWS config")
	}
	return &Backend{
		client: awsec2.NewFromConfig(awsCfg),
		cfg:    cfg,
		log:    log.Named("ec2"),
	}, nil
}

// Deploy launches one instance from the worker AMI and returns its public
// address once EC2 has assigned one. The public key goes in through user
// data so the machine accepts the orchestrator before credential injection
// runs.
func (b *Backend) Deploy(ctx context.Context, spec models.WorkerSpec) (string, error) {
	input := &awsec2.RunInstancesInput{
		ImageId:      aws.String(b.cfg.AMI),
		InstanceType: types.InstanceType(b.cfg.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		UserData:     aws.String(base64.StdEncoding.EncodeToString([]byte(userDataScript(spec)))),
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeInstance,
				Tags: []types.Tag{
					{Key: aws.String("Name"), Value: aws.String(spec.Name)},
					{Key: aws.String("ManagedBy"), Value: aws.String(managedByTag)},
				},
			},
		},
	}

	result, err := b.client.RunInstances(ctx, input)
	if err != nil {
		return "", classify(errors.Wrapf(err, "launch instance %s", spec.Name))
	}
	if len(result.Instances) == 0 || result.Instances[0].InstanceId == nil {
		return "", errors.Newf("launch %s: no instance in reply", spec.Name)
	}
	instanceID := *result.Instances[0].InstanceId
	b.log.Infow("instance launched", "name", spec.Name, "instance", instanceID)

	addr, err := b.waitForAddress(ctx, instanceID)
	if err != nil {
		// never leave a half-launched instance behind
		if termErr := b.terminate(context.WithoutCancel(ctx), instanceID); termErr != nil {
			b.log.Warnw("terminate after failed launch", "instance", instanceID, "error", termErr)
		}
		return "", err
	}
	return addr, nil
}

// Destroy terminates the instance carrying the deployment name. A name with
// no live instance is already gone and not an error.
func (b *Backend) Destroy(ctx context.Context, name string) error {
	ids, err := b.findInstances(ctx, &name)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	for _, id := range ids {
		if err := b.terminate(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// List returns the deployment names of all live instances this
// orchestrator manages
func (b *Backend) List(ctx context.Context) ([]string, error) {
	out, err := b.client.DescribeInstances(ctx, &awsec2.DescribeInstancesInput{
		Filters: managedFilters(nil),
	})
	if err != nil {
		return nil, classify(errors.Wrap(err, "describe instances"))
	}

	var names []string
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			for _, tag := range inst.Tags {
				if aws.ToString(tag.Key) == "Name" && aws.ToString(tag.Value) != "" {
					names = append(names, aws.ToString(tag.Value))
				}
			}
		}
	}
	return names, nil
}

func (b *Backend) waitForAddress(ctx context.Context, instanceID string) (string, error) {
	for attempt := 0; attempt < addressWaitAttempts; attempt++ {
		out, err := b.client.DescribeInstances(ctx, &awsec2.DescribeInstancesInput{
			InstanceIds: []string{instanceID},
		})
		if err == nil {
			for _, res := range out.Reservations {
				for _, inst := range res.Instances {
					if addr := aws.ToString(inst.PublicIpAddress); addr != "" {
						return addr, nil
					}
				}
			}
		}

		t := time.NewTimer(addressWaitDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C:
		}
	}
	return "", errors.Newf("instance %s never received a public address", instanceID)
}

func (b *Backend) terminate(ctx context.Context, instanceID string) error {
	_, err := b.client.TerminateInstances(ctx, &awsec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return classify(errors.Wrapf(err, "terminate %s", instanceID))
	}
	b.log.Infow("instance terminated", "instance", instanceID)
	return nil
}

func (b *Backend) findInstances(ctx context.Context, name *string) ([]string, error) {
	out, err := b.client.DescribeInstances(ctx, &awsec2.DescribeInstancesInput{
		Filters: managedFilters(name),
	})
	if err != nil {
		return nil, classify(errors.Wrap(err, "describe instances"))
	}

	var ids []string
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if inst.InstanceId != nil {
				ids = append(ids, *inst.InstanceId)
			}
		}
	}
	return ids, nil
}

func managedFilters(name *string) []types.Filter {
	filters := []types.Filter{
		{Name: aws.String("tag:ManagedBy"), Values: []string{managedByTag}},
		{Name: aws.String("instance-state-name"), Values: []string{"pending", "running"}},
	}
	if name != nil {
		filters = append(filters, types.Filter{Name: aws.String("tag:Name"), Values: []string{*name}})
	}
	return filters
}

// userDataScript authorizes the orchestrator's key on first boot
func userDataScript(spec models.WorkerSpec) string {
	home := "/root"
	if spec.SSHUser != "root" {
		home = "/home/" + spec.SSHUser
	}
	return fmt.Sprintf(`#!/bin/sh
set -e
mkdir -p %[1]s/.ssh
chmod 700 %[1]s/.ssh
printf '%%s\n' '%[2]s' >> %[1]s/.ssh/authorized_keys
chmod 600 %[1]s/.ssh/authorized_keys
chown -R %[3]s %[1]s/.ssh
`, home, spec.PublicKey, spec.SSHUser)
}

// transientMarkers pick out the API failures worth retrying; auth and
// quota refusals fail fast
var transientMarkers = []string{
	"RequestLimitExceeded",
	"Throttling",
	"InsufficientInstanceCapacity",
	"Unavailable",
	"ServiceUnavailable",
	"connection reset",
	"timeout",
}

func classify(err error) error {
	msg := err.Error()
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return providers.MarkTransient(err)
		}
	}
	return err
}
