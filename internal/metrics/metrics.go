package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/SirIceHydra/sams-hardware-sub001/internal/aws"
)

// Recorder publishes confirmation outcome counts to CloudWatch.
type Recorder struct {
	client    aws.CloudWatchAPI
	namespace string
	nowFunc   func() time.Time
}

// NewRecorder returns a Recorder publishing under the given namespace,
// e.g. "SamsHardware/Checkout".
func NewRecorder(client aws.CloudWatchAPI, namespace string) *Recorder {
	return &Recorder{
		client:    client,
		namespace: namespace,
		nowFunc:   time.Now,
	}
}

// RecordConfirmation emits one Confirmations datapoint dimensioned by the
// resulting order status. Best effort: callers log and move on if it fails.
func (r *Recorder) RecordConfirmation(ctx context.Context, status string) error {
	now := r.nowFunc()
	one := 1.0
	input := &cloudwatch.PutMetricDataInput{
		Namespace: &r.namespace,
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: awsString("Confirmations"),
				Timestamp:  &now,
				Value:      &one,
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					{Name: awsString("Outcome"), Value: &status},
				},
			},
		},
	}
	if _, err := r.client.PutMetricData(ctx, input); err != nil {
		return fmt.Errorf("put metric data: %w", err)
	}
	return nil
}

func awsString(s string) *string { return &s }
