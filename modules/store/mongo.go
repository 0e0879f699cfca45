package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Deepreo/swapcron/core"
	"github.com/Deepreo/swapcron/errors"
)

type MongoConfig struct {
	URI            string        `mapstructure:"uri"`
	Database       string        `mapstructure:"database"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

const (
	collectionJobs   = "dca_jobs"
	collectionTracks = "swap_metrics"
	collectionEvents = "events"
	collectionSwaps  = "swaps"
)

// Mongo keeps cron jobs, swap tracks, tick events and swaps in four collections
// of one database.
type Mongo struct {
	client *mongo.Client
	jobs   *mongo.Collection
	tracks *mongo.Collection
	events *mongo.Collection
	swaps  *mongo.Collection
}

func NewMongo(ctx context.Context, cfg *MongoConfig) (*Mongo, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.InfraError(fmt.Errorf("failed to connect mongo: %w", err))
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.InfraError(fmt.Errorf("failed to ping mongo: %w", err))
	}

	m := NewMongoWithClient(client, cfg.Database)
	if err := m.createIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.InfraError(fmt.Errorf("failed to create indexes: %w", err))
	}
	return m, nil
}

func NewMongoWithClient(client *mongo.Client, database string) *Mongo {
	db := client.Database(database)
	return &Mongo{
		client: client,
		jobs:   db.Collection(collectionJobs),
		tracks: db.Collection(collectionTracks),
		events: db.Collection(collectionEvents),
		swaps:  db.Collection(collectionSwaps),
	}
}

func (m *Mongo) createIndexes(ctx context.Context) error {
	if _, err := m.jobs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}},
	}); err != nil {
		return err
	}

	if _, err := m.tracks.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "swap_id", Value: 1}}},
		{Keys: bson.D{{Key: "completed_at", Value: 1}}},
	}); err != nil {
		return err
	}

	if _, err := m.events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "type", Value: 1},
			{Key: "timestamp", Value: -1},
		},
	}); err != nil {
		return err
	}

	_, err := m.swaps.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "user", Value: 1},
			{Key: "created_at", Value: -1},
		},
	})
	return err
}

func mapFindErr(err error, kind, id string) error {
	if errors.Is(mongo.ErrNoDocuments, err) {
		return notFound(kind, id)
	}
	return errors.InfraError(err)
}

var upsert = options.Replace().SetUpsert(true)

func (m *Mongo) GetCronJob(ctx context.Context, id string) (*core.CronJob, error) {
	var job core.CronJob
	if err := m.jobs.FindOne(ctx, bson.M{"_id": id}).Decode(&job); err != nil {
		return nil, mapFindErr(err, "cron job", id)
	}
	return &job, nil
}

func (m *Mongo) UpsertCronJob(ctx context.Context, job *core.CronJob) error {
	if job == nil || job.ID == "" {
		return errors.ValidationError(fmt.Errorf("cron job id is required"))
	}
	if _, err := m.jobs.ReplaceOne(ctx, bson.M{"_id": job.ID}, job, upsert); err != nil {
		return errors.InfraError(fmt.Errorf("upsert cron job %s: %w", job.ID, err))
	}
	return nil
}

func (m *Mongo) FindCronJobs(ctx context.Context, filter core.CronJobFilter) ([]*core.CronJob, error) {
	q := bson.M{}
	if len(filter.Statuses) > 0 {
		q["status"] = bson.M{"$in": filter.Statuses}
	}
	cursor, err := m.jobs.Find(ctx, q, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, errors.InfraError(err)
	}
	out := make([]*core.CronJob, 0)
	if err := cursor.All(ctx, &out); err != nil {
		return nil, errors.InfraError(err)
	}
	return out, nil
}

func (m *Mongo) GetTrack(ctx context.Context, id string) (*core.SwapTrack, error) {
	var track core.SwapTrack
	if err := m.tracks.FindOne(ctx, bson.M{"_id": id}).Decode(&track); err != nil {
		return nil, mapFindErr(err, "track", id)
	}
	return &track, nil
}

func (m *Mongo) UpsertTrack(ctx context.Context, track *core.SwapTrack) error {
	if track == nil || track.ID == "" {
		return errors.ValidationError(fmt.Errorf("track id is required"))
	}
	if _, err := m.tracks.ReplaceOne(ctx, bson.M{"_id": track.ID}, track, upsert); err != nil {
		return errors.InfraError(fmt.Errorf("upsert track %s: %w", track.ID, err))
	}
	return nil
}

func (m *Mongo) FindTracks(ctx context.Context, filter core.TrackFilter) ([]*core.SwapTrack, error) {
	q := bson.M{}
	if filter.OpenOnly {
		// Matches both a null and a missing field.
		q["completed_at"] = nil
	}
	if filter.SwapID != "" {
		q["swap_id"] = filter.SwapID
	}
	if len(filter.Statuses) > 0 {
		q["status"] = bson.M{"$in": filter.Statuses}
	}
	cursor, err := m.tracks.Find(ctx, q, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, errors.InfraError(err)
	}
	out := make([]*core.SwapTrack, 0)
	if err := cursor.All(ctx, &out); err != nil {
		return nil, errors.InfraError(err)
	}
	return out, nil
}

func (m *Mongo) GetSwap(ctx context.Context, id string) (*core.Swap, error) {
	var swap core.Swap
	if err := m.swaps.FindOne(ctx, bson.M{"_id": id}).Decode(&swap); err != nil {
		return nil, mapFindErr(err, "swap", id)
	}
	return &swap, nil
}

func (m *Mongo) UpsertSwap(ctx context.Context, swap *core.Swap) error {
	if swap == nil || swap.ID == "" {
		return errors.ValidationError(fmt.Errorf("swap id is required"))
	}
	if _, err := m.swaps.ReplaceOne(ctx, bson.M{"_id": swap.ID}, swap, upsert); err != nil {
		return errors.InfraError(fmt.Errorf("upsert swap %s: %w", swap.ID, err))
	}
	return nil
}

func (m *Mongo) FindSwaps(ctx context.Context, filter core.SwapFilter) ([]*core.Swap, error) {
	q := bson.M{}
	if filter.User != "" {
		q["user"] = filter.User
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	cursor, err := m.swaps.Find(ctx, q, opts)
	if err != nil {
		return nil, errors.InfraError(err)
	}
	out := make([]*core.Swap, 0)
	if err := cursor.All(ctx, &out); err != nil {
		return nil, errors.InfraError(err)
	}
	return out, nil
}

func (m *Mongo) AppendEvent(ctx context.Context, event *core.TickEvent) error {
	if event == nil {
		return errors.ValidationError(fmt.Errorf("event is required"))
	}
	if _, err := m.events.InsertOne(ctx, event); err != nil {
		return errors.InfraError(fmt.Errorf("append event: %w", err))
	}
	return nil
}

func (m *Mongo) FindEvents(ctx context.Context, filter core.EventFilter) ([]*core.TickEvent, error) {
	q := bson.M{}
	if filter.Type != "" {
		q["type"] = filter.Type
	}
	if filter.JobID != "" {
		q["job_id"] = filter.JobID
	}
	if !filter.Since.IsZero() {
		q["timestamp"] = bson.M{"$gte": filter.Since}
	}
	cursor, err := m.events.Find(ctx, q, options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, errors.InfraError(err)
	}
	out := make([]*core.TickEvent, 0)
	if err := cursor.All(ctx, &out); err != nil {
		return nil, errors.InfraError(err)
	}
	return out, nil
}

func (m *Mongo) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return m.client.Ping(ctx, nil)
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
