package telemetry

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"iris/internal/types"
)

// MetricNamespace is the default CloudWatch namespace for accounting metrics.
const MetricNamespace = "IRIS"

// CloudWatch metric names and dimensions.
const (
	MetricUsageIncrement  = "UsageIncrement"
	MetricAdmissionDenied = "AdmissionDenied"
	MetricPlanChange      = "PlanChange"
	MetricAddonUnits      = "AddonUnits"

	DimFeature  = "Feature"
	DimResult   = "Result"
	DimFromPlan = "FromPlan"
	DimToPlan   = "ToPlan"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchRecorder emits one datum per signal to AWS CloudWatch.
//
// Metrics emitted:
//   - UsageIncrement: Dims {Feature, Result}
//   - AdmissionDenied: Dims {Feature}
//   - PlanChange: Dims {FromPlan, ToPlan}
//   - AddonUnits: Dims {Feature}, value is the number of uses granted
type CloudWatchRecorder struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

var _ Recorder = (*CloudWatchRecorder)(nil)

// NewCloudWatchRecorder creates a recorder publishing to namespace, or to
// MetricNamespace when namespace is empty.
func NewCloudWatchRecorder(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchRecorder {
	if logger == nil {
		logger = types.NewSlogAdapter(nil)
	}
	if namespace == "" {
		namespace = MetricNamespace
	}
	return &CloudWatchRecorder{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

func (m *CloudWatchRecorder) UsageIncremented(ctx context.Context, feature types.Feature, ok bool) {
	m.put(ctx, MetricUsageIncrement, 1,
		dim(DimFeature, string(feature)),
		dim(DimResult, resultLabel(ok)),
	)
}

func (m *CloudWatchRecorder) AdmissionDenied(ctx context.Context, feature types.Feature) {
	m.put(ctx, MetricAdmissionDenied, 1, dim(DimFeature, string(feature)))
}

func (m *CloudWatchRecorder) PlanChanged(ctx context.Context, from, to types.Plan) {
	m.put(ctx, MetricPlanChange, 1,
		dim(DimFromPlan, string(from)),
		dim(DimToPlan, string(to)),
	)
}

func (m *CloudWatchRecorder) AddonPurchased(ctx context.Context, feature types.Feature, units int) {
	m.put(ctx, MetricAddonUnits, float64(units), dim(DimFeature, string(feature)))
}

func (m *CloudWatchRecorder) put(ctx context.Context, name string, value float64, dims ...cwtypes.Dimension) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(name),
				Value:      aws.Float64(value),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dims,
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record metric",
			"error", err.Error(),
			"metric", name,
		)
	}
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{
		Name:  aws.String(name),
		Value: aws.String(value),
	}
}
