package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

const (
	TopicSyncRequests = "section21.sync.requests"
	TopicSyncResults  = "section21.sync.results"
)

// BrokerDefaultReplication leaves the replication factor to the broker.
const BrokerDefaultReplication int16 = -1

// TopicSpec describes a topic the sync services depend on.
type TopicSpec struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Retention         time.Duration
}

// SyncTopics returns the request and result topics.
func SyncTopics(replication int16) []TopicSpec {
	return []TopicSpec{
		// Keyed by form id, so triggers for one form stay ordered on one partition.
		{Name: TopicSyncRequests, Partitions: 6, ReplicationFactor: replication, Retention: 24 * time.Hour},
		{Name: TopicSyncResults, Partitions: 3, ReplicationFactor: replication, Retention: 7 * 24 * time.Hour},
	}
}

func (s TopicSpec) configs() map[string]*string {
	retention := strconv.FormatInt(s.Retention.Milliseconds(), 10)
	deletePolicy, codec := "delete", "lz4"
	return map[string]*string{
		"retention.ms":     &retention,
		"cleanup.policy":   &deletePolicy,
		"compression.type": &codec,
	}
}

// TopicStatus is the outcome of ensuring one topic.
type TopicStatus struct {
	Name       string
	Created    bool
	Partitions int
	// Mismatch is set when an existing topic has a different partition count.
	Mismatch bool
}

// Admin wraps kadm for topic setup and lag inspection.
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin connects an admin client to brokers.
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("create admin client: %w", err)
	}
	return &Admin{client: kadm.NewClient(cl), logger: logger}, nil
}

// EnsureTopics creates missing topics and reports the partition count of
// every topic in specs.
func (a *Admin) EnsureTopics(ctx context.Context, specs []TopicSpec) ([]TopicStatus, error) {
	statuses := make([]TopicStatus, 0, len(specs))
	names := make([]string, 0, len(specs))

	for _, spec := range specs {
		resp, err := a.client.CreateTopics(ctx, spec.Partitions, spec.ReplicationFactor, spec.configs(), spec.Name)
		if err != nil {
			return nil, fmt.Errorf("create topic %s: %w", spec.Name, err)
		}
		st := TopicStatus{Name: spec.Name}
		for _, r := range resp {
			switch {
			case r.Err == nil:
				st.Created = true
			case errors.Is(r.Err, kerr.TopicAlreadyExists):
			default:
				return nil, fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
			}
		}
		statuses = append(statuses, st)
		names = append(names, spec.Name)
	}

	details, err := a.client.ListTopics(ctx, names...)
	if err != nil {
		return nil, fmt.Errorf("describe topics: %w", err)
	}
	for i, spec := range specs {
		statuses[i].Partitions = len(details[spec.Name].Partitions)
		statuses[i].Mismatch = statuses[i].Partitions != int(spec.Partitions)
		if statuses[i].Mismatch {
			a.logger.Warn("topic partition count differs",
				zap.String("topic", spec.Name),
				zap.Int("have", statuses[i].Partitions),
				zap.Int32("want", spec.Partitions))
		}
		a.logger.Info("topic ready",
			zap.String("topic", spec.Name),
			zap.Bool("created", statuses[i].Created))
	}
	return statuses, nil
}

// ListTopics returns the names of all topics on the cluster.
func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	topics, err := a.client.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	names := topics.Names()
	sort.Strings(names)
	return names, nil
}

// PartitionLag is the number of unconsumed records on one partition.
type PartitionLag struct {
	Topic     string
	Partition int32
	Lag       int64
}

// Backlog is the outstanding work for a consumer group.
type Backlog struct {
	Group      string
	Total      int64
	Partitions []PartitionLag
}

// Backlog reports the lag of group, ordered by topic and partition.
// Partitions with an unknown lag are listed with -1 and left out of Total.
func (a *Admin) Backlog(ctx context.Context, group string) (Backlog, error) {
	described, err := a.client.Lag(ctx, group)
	if err != nil {
		return Backlog{}, fmt.Errorf("lag for %s: %w", group, err)
	}

	b := Backlog{Group: group}
	described.Each(func(l kadm.DescribedGroupLag) {
		for topic, partitions := range l.Lag {
			for partition, ml := range partitions {
				b.Partitions = append(b.Partitions, PartitionLag{Topic: topic, Partition: partition, Lag: ml.Lag})
				if ml.Lag > 0 {
					b.Total += ml.Lag
				}
			}
		}
	})
	sort.Slice(b.Partitions, func(i, j int) bool {
		if b.Partitions[i].Topic != b.Partitions[j].Topic {
			return b.Partitions[i].Topic < b.Partitions[j].Topic
		}
		return b.Partitions[i].Partition < b.Partitions[j].Partition
	})
	return b, nil
}

func (a *Admin) Close() {
	a.client.Close()
}
