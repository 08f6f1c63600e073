package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"github.com/srg/bmsd/internal/metric"
)

// MaxDatumsPerRequest is the PutMetricData batch size
const MaxDatumsPerRequest = 20

// MetricPutter is the part of *cloudwatch.Client the sink needs
type MetricPutter interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

type CloudWatchOptions struct {
	Namespace string
	Names     metric.NameTable
}

// CloudWatch publishes numeric tuples as metric datums named after the field,
// with destination and meter dimensions. Text values are skipped.
type CloudWatch struct {
	base
	client MetricPutter
	opts   CloudWatchOptions
}

func NewCloudWatch(c MetricPutter, opts CloudWatchOptions, logger *logrus.Logger) *CloudWatch {
	return &CloudWatch{base: newBase("cloudwatch", logger), client: c, opts: opts}
}

func (s *CloudWatch) Deliver(ctx context.Context, tuples []metric.Tuple) error {
	if s.opts.Namespace == "" {
		return permanent(s.name, "", errors.New("empty namespace"))
	}
	if !s.available(len(tuples)) {
		return nil
	}

	datums := make([]types.MetricDatum, 0, len(tuples))
	for _, t := range tuples {
		v, ok := t.Value.Float()
		if !ok {
			s.logger.WithFields(logrus.Fields{
				"destination": t.Destination,
				"field":       t.Field,
			}).Debug("Skipping non-numeric value")
			continue
		}

		name := t.Field
		if name == "" {
			name = s.opts.Names.Name(t.Destination)
		}
		datums = append(datums, types.MetricDatum{
			MetricName: aws.String(name),
			Dimensions: []types.Dimension{
				{Name: aws.String("destination"), Value: aws.String(s.opts.Names.Name(t.Destination))},
				{Name: aws.String("meter"), Value: aws.String(t.Meter)},
			},
			Timestamp: aws.Time(t.Time),
			Value:     aws.Float64(v),
			Unit:      types.StandardUnitNone,
		})
	}

	for start := 0; start < len(datums); start += MaxDatumsPerRequest {
		end := min(start+MaxDatumsPerRequest, len(datums))

		_, err := s.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(s.opts.Namespace),
			MetricData: datums[start:end],
		})
		if err == nil {
			continue
		}

		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultClient {
			return permanent(s.name, "", fmt.Errorf("%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage()))
		}
		s.transportFailed(err)
		return nil
	}

	s.logger.WithField("datums", len(datums)).Debug("Metric data put")
	return nil
}
