package sink

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/srg/bmsd/internal/metric"
)

type mockPutter struct {
	mock.Mock
}

func (m *mockPutter) PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	args := m.Called(ctx, params)
	return &cloudwatch.PutMetricDataOutput{}, args.Error(0)
}

func manyTuples(n int) []metric.Tuple {
	out := make([]metric.Tuple, n)
	for i := range out {
		out[i] = metric.Tuple{
			Destination: metric.BalancingStatus,
			Meter:       "house",
			Field:       fmt.Sprintf("c%02d", i%16+1),
			Value:       metric.Number(0),
			Time:        time.Unix(1700000000, 0),
		}
	}
	return out
}

func TestCloudWatch_ChunksDatums(t *testing.T) {
	putter := &mockPutter{}
	putter.On("PutMetricData", mock.Anything, mock.MatchedBy(func(in *cloudwatch.PutMetricDataInput) bool {
		return aws.ToString(in.Namespace) == "BMS" && len(in.MetricData) == MaxDatumsPerRequest
	})).Return(nil).Twice()
	putter.On("PutMetricData", mock.Anything, mock.MatchedBy(func(in *cloudwatch.PutMetricDataInput) bool {
		return len(in.MetricData) == 5
	})).Return(nil).Once()

	s := NewCloudWatch(putter, CloudWatchOptions{Namespace: "BMS"}, nil)
	require.NoError(t, s.Deliver(context.Background(), manyTuples(45)))

	putter.AssertExpectations(t)
}

func TestCloudWatch_DatumShape(t *testing.T) {
	putter := &mockPutter{}
	putter.On("PutMetricData", mock.Anything, mock.Anything).Return(nil)

	s := NewCloudWatch(putter, CloudWatchOptions{Namespace: "BMS"}, nil)
	tuples := append(summaryTuples()[:1], metric.Tuple{
		Destination: metric.PowerMeasurementStrings, Meter: "house", Field: "mode", Value: metric.Text("eco"),
	})
	require.NoError(t, s.Deliver(context.Background(), tuples))

	in := putter.Calls[0].Arguments.Get(1).(*cloudwatch.PutMetricDataInput)
	require.Len(t, in.MetricData, 1, "text values MUST be skipped")

	d := in.MetricData[0]
	assert.Equal(t, "volts", aws.ToString(d.MetricName))
	assert.Equal(t, 13.2, aws.ToFloat64(d.Value))
	require.Len(t, d.Dimensions, 2)
	assert.Equal(t, "battery_summary", aws.ToString(d.Dimensions[0].Value))
	assert.Equal(t, "house", aws.ToString(d.Dimensions[1].Value))
}

func TestCloudWatch_Errors(t *testing.T) {
	t.Run("client fault is permanent", func(t *testing.T) {
		putter := &mockPutter{}
		putter.On("PutMetricData", mock.Anything, mock.Anything).
			Return(&smithy.GenericAPIError{Code: "InvalidParameterValue", Message: "bad", Fault: smithy.FaultClient})

		err := NewCloudWatch(putter, CloudWatchOptions{Namespace: "BMS"}, nil).
			Deliver(context.Background(), summaryTuples())
		assert.True(t, IsPermanent(err))
	})

	t.Run("network error is a transport failure", func(t *testing.T) {
		putter := &mockPutter{}
		putter.On("PutMetricData", mock.Anything, mock.Anything).Return(errors.New("no such host"))

		s := NewCloudWatch(putter, CloudWatchOptions{Namespace: "BMS"}, nil)
		lost := false
		s.Supervise(nil, func(error) { lost = true })

		assert.NoError(t, s.Deliver(context.Background(), summaryTuples()))
		assert.True(t, lost)
	})

	t.Run("missing namespace", func(t *testing.T) {
		err := NewCloudWatch(&mockPutter{}, CloudWatchOptions{}, nil).
			Deliver(context.Background(), summaryTuples())
		assert.True(t, IsPermanent(err))
	})
}
