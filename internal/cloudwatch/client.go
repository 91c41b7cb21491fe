package cloudwatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	defaultFetchLimit  = 100
	maxFetchLimit      = 1000
	describePageSize   = 50
	// CloudWatch Logs throttles FilterLogEvents at 5 TPS per account/region.
	apiRequestsPerSec = 5
)

// Client implements API over the AWS SDK.
type Client struct {
	api     *cloudwatchlogs.Client
	limiter *rate.Limiter
}

// New creates a client from the default AWS credential chain.
func New(ctx context.Context, region, profile string) (*Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("cloudwatch: load aws config: %w", err)
	}

	return &Client{
		api:     cloudwatchlogs.NewFromConfig(cfg),
		limiter: rate.NewLimiter(rate.Limit(apiRequestsPerSec), apiRequestsPerSec),
	}, nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// ListLogGroups returns up to limit groups, optionally filtered by name prefix.
func (c *Client) ListLogGroups(ctx context.Context, prefix string, limit int) ([]LogGroup, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	input := &cloudwatchlogs.DescribeLogGroupsInput{
		Limit: aws.Int32(describePageSize),
	}
	if prefix != "" {
		input.LogGroupNamePrefix = aws.String(prefix)
	}

	var groups []LogGroup
	paginator := cloudwatchlogs.NewDescribeLogGroupsPaginator(c.api, input)
	for paginator.HasMorePages() && len(groups) < limit {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify(err)
		}
		for _, g := range page.LogGroups {
			groups = append(groups, convertGroup(g.LogGroupName, g.CreationTime, g.StoredBytes, g.RetentionInDays))
			if len(groups) >= limit {
				break
			}
		}
	}
	return groups, nil
}

// ListAllLogGroups walks the full paginator with no limit, reporting progress
// per page. Used by the log-group index at startup.
func (c *Client) ListAllLogGroups(ctx context.Context, onPage PageFunc) ([]LogGroup, error) {
	input := &cloudwatchlogs.DescribeLogGroupsInput{
		Limit: aws.Int32(describePageSize),
	}

	var groups []LogGroup
	paginator := cloudwatchlogs.NewDescribeLogGroupsPaginator(c.api, input)
	for paginator.HasMorePages() {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify(err)
		}
		for _, g := range page.LogGroups {
			groups = append(groups, convertGroup(g.LogGroupName, g.CreationTime, g.StoredBytes, g.RetentionInDays))
		}
		if onPage != nil {
			onPage(len(groups), fmt.Sprintf("Loaded %d log groups...", len(groups)))
		}
	}
	return groups, nil
}

// FetchLogs returns events from one log group within a time window.
func (c *Client) FetchLogs(ctx context.Context, params FetchParams) ([]LogEvent, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = defaultFetchLimit
	}
	if limit > maxFetchLimit {
		limit = maxFetchLimit
	}

	end := params.EndTime
	if end == 0 {
		end = time.Now().UnixMilli()
	}

	input := &cloudwatchlogs.FilterLogEventsInput{
		LogGroupName: aws.String(params.LogGroup),
		StartTime:    aws.Int64(params.StartTime),
		EndTime:      aws.Int64(end),
		Limit:        aws.Int32(int32(limit)),
	}
	if params.FilterPattern != "" {
		input.FilterPattern = aws.String(params.FilterPattern)
	}
	if params.LogStreamPrefix != "" {
		input.LogStreamNamePrefix = aws.String(params.LogStreamPrefix)
	}

	var events []LogEvent
	paginator := cloudwatchlogs.NewFilterLogEventsPaginator(c.api, input)
	for paginator.HasMorePages() && len(events) < limit {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify(err)
		}
		for _, ev := range page.Events {
			events = append(events, LogEvent{
				Timestamp:     aws.ToInt64(ev.Timestamp),
				Message:       aws.ToString(ev.Message),
				LogStream:     aws.ToString(ev.LogStreamName),
				IngestionTime: aws.ToInt64(ev.IngestionTime),
			})
			if len(events) >= limit {
				break
			}
		}
	}
	return events, nil
}

// SearchLogs resolves the group patterns against the account's log groups
// (case-insensitive substring), then fetches matching events from each group.
// Results are merged in timestamp order and capped at the limit.
func (c *Client) SearchLogs(ctx context.Context, params SearchParams) ([]LogEvent, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = defaultFetchLimit
	}
	if limit > maxFetchLimit {
		limit = maxFetchLimit
	}

	all, err := c.ListAllLogGroups(ctx, nil)
	if err != nil {
		return nil, err
	}

	var matched []string
	for _, g := range all {
		for _, pat := range params.LogGroupPatterns {
			if strings.Contains(strings.ToLower(g.Name), strings.ToLower(pat)) {
				matched = append(matched, g.Name)
				break
			}
		}
	}
	if len(matched) == 0 {
		return nil, &Error{Kind: ErrNotFound, Message: fmt.Sprintf("no log groups match %v", params.LogGroupPatterns)}
	}

	// Fetch per group concurrently; the client rate limiter still serializes
	// API pressure.
	perGroup := make([][]LogEvent, len(matched))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, group := range matched {
		g.Go(func() error {
			got, err := c.FetchLogs(gctx, FetchParams{
				LogGroup:      group,
				StartTime:     params.StartTime,
				EndTime:       params.EndTime,
				FilterPattern: params.Pattern,
				Limit:         limit,
			})
			if err != nil {
				// One missing group should not sink a multi-group search.
				if IsNotFound(err) {
					return nil
				}
				return err
			}
			perGroup[i] = got
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var events []LogEvent
	for _, got := range perGroup {
		events = append(events, got...)
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Timestamp < events[j].Timestamp })
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func convertGroup(name *string, creation *int64, stored *int64, retention *int32) LogGroup {
	return LogGroup{
		Name:          aws.ToString(name),
		CreatedAt:     aws.ToInt64(creation),
		StoredBytes:   aws.ToInt64(stored),
		RetentionDays: retention,
	}
}
